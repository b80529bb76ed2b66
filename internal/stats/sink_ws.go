package stats

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilstream/streamer/internal/logging"
)

var log = logging.L("stats")

// DashboardSink streams session snapshots to the host GUI over websocket.
// The core persists nothing; the dashboard is a live window, not a log.
type DashboardSink struct {
	session *Session

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func NewDashboardSink(session *Session) *DashboardSink {
	return &DashboardSink{
		session: session,
		upgrader: websocket.Upgrader{
			// The dashboard binds loopback; the host GUI is the only peer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start serves /stats on the given loopback port and begins broadcasting
// one snapshot per second.
func (d *DashboardSink) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", d.handleWS)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	d.server = &http.Server{Handler: mux}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warn("Dashboard server stopped", "error", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		d.broadcastLoop()
	}()

	log.Info("Stats dashboard listening", "addr", listener.Addr().String())
	return nil
}

func (d *DashboardSink) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Dashboard upgrade failed", "error", err)
		return
	}
	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *DashboardSink) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			payload, err := json.Marshal(d.session.Snapshot())
			if err != nil {
				continue
			}
			d.mu.Lock()
			for conn := range d.clients {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					conn.Close()
					delete(d.clients, conn)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Stop closes client connections and the listener.
func (d *DashboardSink) Stop() {
	select {
	case <-d.done:
		return
	default:
	}
	close(d.done)

	d.mu.Lock()
	for conn := range d.clients {
		conn.Close()
	}
	d.clients = make(map[*websocket.Conn]struct{})
	d.mu.Unlock()

	if d.server != nil {
		d.server.Close()
	}
	d.wg.Wait()
}

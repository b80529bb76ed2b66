// Package transport moves datagrams between the streamer and the headset
// over a single UDP socket, pacing sends against the negotiated byte budget
// and discarding traffic from anyone but the connected peer.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilstream/streamer/internal/logging"
)

var log = logging.L("transport")

// Datagram is one received packet with its origin.
type Datagram struct {
	Buf  []byte
	Peer *net.UDPAddr
}

// Counters are the transport's contribution to session statistics.
type Counters struct {
	BytesSent    atomic.Uint64
	PacketsSent  atomic.Uint64
	BytesRecv    atomic.Uint64
	PacketsRecv  atomic.Uint64
	PeerFiltered atomic.Uint64
	SendErrors   atomic.Uint64
}

// Transport owns the stream socket: one paced send goroutine, one recv
// goroutine, shared state through atomics only.
type Transport struct {
	queue    *sendQueue
	throttle *Throttle

	mu   sync.Mutex
	conn *net.UDPConn

	peer atomic.Pointer[net.UDPAddr]

	incoming chan Datagram
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool

	counters Counters
	sendWarn *logging.Limiter
}

// New creates an unbound transport. queueBytes bounds the staging queue;
// pktsPerSlot caps packets per millisecond slot (0 = unlimited).
func New(queueBytes, pktsPerSlot int) *Transport {
	if queueBytes <= 0 {
		queueBytes = 2 << 20
	}
	return &Transport{
		queue:    newSendQueue(queueBytes),
		throttle: NewThrottle(pktsPerSlot),
		incoming: make(chan Datagram, 256),
		done:     make(chan struct{}),
		sendWarn: logging.NewLimiter(time.Second),
	}
}

// Bind opens the socket and starts the send and recv loops.
func (t *Transport) Bind(host string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	tuneSocket(conn)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.started.CompareAndSwap(false, true) {
		t.wg.Add(2)
		go func() {
			defer t.wg.Done()
			t.sendLoop()
		}()
		go func() {
			defer t.wg.Done()
			t.recvLoop(conn)
		}()
	}

	log.Info("Stream socket bound", "host", host, "port", port)
	return nil
}

// SetPeer binds the legitimate-peer filter after a successful handshake.
// Passing nil clears it (disconnect).
func (t *Transport) SetPeer(addr *net.UDPAddr) {
	t.peer.Store(addr)
	if addr != nil {
		log.Info("Peer bound", "peer", addr.String())
	}
}

// Peer returns the currently bound peer, or nil.
func (t *Transport) Peer() *net.UDPAddr { return t.peer.Load() }

// SetBudget forwards the current encode/audio rates to the throttle.
func (t *Transport) SetBudget(encodeBps, audioBps int64) {
	t.throttle.SetBudget(encodeBps, audioBps)
}

// SendVideo enqueues one video shard. Reports false when the queue shed it.
func (t *Transport) SendVideo(pkt []byte) bool { return t.queue.push(ClassVideo, pkt) }

// SendAudio enqueues one audio frame. Audio is never shed.
func (t *Transport) SendAudio(pkt []byte) { t.queue.push(ClassAudio, pkt) }

// SendHaptics enqueues one haptics event.
func (t *Transport) SendHaptics(pkt []byte) { t.queue.push(ClassHaptics, pkt) }

// SendControl enqueues a control message to the bound peer. Control skips
// the byte budget only in ordering, not in accounting; it is never shed.
func (t *Transport) SendControl(pkt []byte) { t.queue.push(ClassControl, pkt) }

// Incoming yields received datagrams from the bound peer.
func (t *Transport) Incoming() <-chan Datagram { return t.incoming }

// DroppedVideo reports packets shed by the queue.
func (t *Transport) DroppedVideo() uint64 { return t.queue.droppedVideoCount() }

// Stats exposes the transport counters.
func (t *Transport) Stats() *Counters { return &t.counters }

// Shutdown stops the loops and closes the socket.
func (t *Transport) Shutdown() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	log.Info("Transport shut down")
}

// sendLoop drains the queue under the throttle budget. The only suspension
// points are the empty-queue and over-budget sleeps; no lock is held across
// either.
func (t *Transport) sendLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		pkt, ok := t.queue.pop()
		if !ok {
			select {
			case <-t.done:
				return
			case <-time.After(200 * time.Microsecond):
			}
			continue
		}

		for !t.throttle.admit(len(pkt)) {
			select {
			case <-t.done:
				return
			case <-time.After(slotDuration):
			}
		}

		peer := t.peer.Load()
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil || peer == nil {
			continue // nobody to talk to; shed silently
		}

		if _, err := conn.WriteToUDP(pkt, peer); err != nil {
			t.counters.SendErrors.Add(1)
			t.sendWarn.Warn(log, "Datagram send failed", "error", err)
			continue
		}
		t.counters.BytesSent.Add(uint64(len(pkt)))
		t.counters.PacketsSent.Add(1)
	}
}

// recvLoop reads datagrams and forwards ones from the bound peer. Before a
// peer is bound every datagram is forwarded.
func (t *Transport) recvLoop(conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.done: // closed during shutdown
				return
			default:
			}
			t.sendWarn.Warn(log, "Datagram recv failed", "error", err)
			continue
		}

		t.counters.BytesRecv.Add(uint64(n))
		t.counters.PacketsRecv.Add(1)

		if peer := t.peer.Load(); peer != nil {
			if !addr.IP.Equal(peer.IP) || addr.Port != peer.Port {
				t.counters.PeerFiltered.Add(1)
				continue
			}
		}

		out := make([]byte, n)
		copy(out, buf[:n])
		select {
		case t.incoming <- Datagram{Buf: out, Peer: addr}:
		default:
			// Receiver stalled; shedding here beats blocking the socket.
		}
	}
}

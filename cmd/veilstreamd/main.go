package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veilstream/streamer/internal/config"
	"github.com/veilstream/streamer/internal/logging"
	"github.com/veilstream/streamer/internal/session"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "veilstreamd",
	Short: "Veilstream VR streaming server",
	Long:  `Veilstream - low-latency wireless VR streaming server; renders on the desktop, displays on the headset`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the streaming server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("veilstreamd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "veilstream.json", "path to the JSON configuration blob")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log.Info("Starting veilstreamd", "version", version)

	s := session.New(cfg, nil)
	if err := s.Start(); err != nil {
		log.Error("Session refused to start", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	s.Shutdown()
}

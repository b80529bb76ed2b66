// Package config decodes and validates the streamer configuration blob.
// The host hands the core a single JSON document at initialization; unknown
// fields are ignored, missing required fields abort startup.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/veilstream/streamer/internal/logging"
)

var log = logging.L("config")

type Config struct {
	// Stream geometry and timing.
	RenderWidth  int       `mapstructure:"render_width"`  // per-eye pixels
	RenderHeight int       `mapstructure:"render_height"` // per-eye pixels
	RefreshRates []float64 `mapstructure:"refresh_rates"` // preference order, Hz

	// Codec preference order; first backend that initializes wins.
	CodecPreference []string `mapstructure:"codec_preference"` // "h264", "hevc", "av1"
	PreferHardware  bool     `mapstructure:"prefer_hardware"`
	ColorRangeFull  bool     `mapstructure:"color_range_full"`
	RateControl     string   `mapstructure:"rate_control"` // "cbr" or "vbr"

	// Bitrate bounds in bits per second.
	InitialBitrateBps int64 `mapstructure:"initial_bitrate_bps"`
	MinBitrateBps     int64 `mapstructure:"min_bitrate_bps"`
	MaxBitrateBps     int64 `mapstructure:"max_bitrate_bps"`

	// FEC bounds in percent parity.
	FecPercentage    int `mapstructure:"fec_percentage"`
	FecPercentageMax int `mapstructure:"fec_percentage_max"`

	// Datagram budget per shard, bytes. Negotiable down in the handshake.
	MTU int `mapstructure:"mtu"`

	// Foveated encoding. CenterX/Y are the fraction of the plane kept at
	// full density; EdgeRatioX/Y the shrink factor for the periphery.
	FoveationEnabled bool    `mapstructure:"foveation_enabled"`
	FoveationCenterX float64 `mapstructure:"foveation_center_x"`
	FoveationCenterY float64 `mapstructure:"foveation_center_y"`
	FoveationEdgeX   float64 `mapstructure:"foveation_edge_ratio_x"`
	FoveationEdgeY   float64 `mapstructure:"foveation_edge_ratio_y"`

	// Audio.
	AudioSampleRate int `mapstructure:"audio_sample_rate"`

	// Device geometry and input mapping.
	IPDMeters       float64 `mapstructure:"ipd_meters"`
	ControllerHands []int   `mapstructure:"controller_hands"` // index→hand, 0 left 1 right

	// Network.
	BindHost      string `mapstructure:"bind_host"`
	StreamPort    int    `mapstructure:"stream_port"`
	ControlPort   int    `mapstructure:"control_port"`
	ThrottlePktsPerSlot int `mapstructure:"throttle_packets_per_slot"` // 0 = unlimited

	// Heartbeat period, seconds. Timeout is five periods.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`

	// Statistics dashboard sink.
	DashboardEnabled bool `mapstructure:"dashboard_enabled"`
	DashboardPort    int  `mapstructure:"dashboard_port"`

	// Logging.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		RefreshRates:             []float64{72, 90},
		CodecPreference:          []string{"h264", "hevc", "av1"},
		RateControl:              "cbr",
		InitialBitrateBps:        30_000_000,
		MinBitrateBps:            5_000_000,
		MaxBitrateBps:            100_000_000,
		FecPercentage:            5,
		FecPercentageMax:         10,
		MTU:                      1400,
		FoveationCenterX:         0.4,
		FoveationCenterY:         0.4,
		FoveationEdgeX:           4,
		FoveationEdgeY:           5,
		AudioSampleRate:          48000,
		IPDMeters:                0.063,
		ControllerHands:          []int{0, 1},
		BindHost:                 "0.0.0.0",
		StreamPort:               9944,
		ControlPort:              9943,
		HeartbeatIntervalSeconds: 1,
		DashboardPort:            8082,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Parse decodes a JSON configuration blob. Unknown fields are ignored;
// required fields missing from the blob fail with a precise error.
func Parse(blob []byte) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(blob)); err != nil {
		return nil, fmt.Errorf("config blob is not valid JSON: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config blob decode: %w", err)
	}

	// Required fields have no usable default.
	if !v.IsSet("render_width") || !v.IsSet("render_height") {
		return nil, fmt.Errorf("config is missing required fields render_width/render_height")
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("Config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("Config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Load reads and parses a JSON configuration file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(blob)
}

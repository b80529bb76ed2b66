package config

import (
	"fmt"
	"strings"
)

var validCodecs = map[string]bool{
	"h264": true,
	"hevc": true,
	"av1":  true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must block startup from ones that
// are clamped or ignored with a warning.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config. Dangerous zero-values are clamped to
// safe defaults and reported as warnings; contradictions that would produce
// a broken stream are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.RenderWidth <= 0 || c.RenderHeight <= 0 {
		r.fatal("render resolution %dx%d is not positive", c.RenderWidth, c.RenderHeight)
	}
	if c.RenderWidth%32 != 0 || c.RenderHeight%32 != 0 {
		r.warn("render resolution %dx%d is not 32-aligned; encoder output will be cropped", c.RenderWidth, c.RenderHeight)
	}

	if len(c.RefreshRates) == 0 {
		r.fatal("refresh_rates is empty")
	}
	for _, hz := range c.RefreshRates {
		if hz < 30 || hz > 144 {
			r.fatal("refresh rate %.1f Hz outside supported range [30, 144]", hz)
		}
	}

	if len(c.CodecPreference) == 0 {
		r.fatal("codec_preference is empty")
	}
	for _, codec := range c.CodecPreference {
		if !validCodecs[strings.ToLower(codec)] {
			r.fatal("unknown codec %q (use h264, hevc, av1)", codec)
		}
	}
	if c.RateControl != "" && c.RateControl != "cbr" && c.RateControl != "vbr" {
		r.fatal("rate_control %q is not valid (use cbr or vbr)", c.RateControl)
	}

	if c.MinBitrateBps <= 0 || c.MaxBitrateBps <= 0 || c.MinBitrateBps > c.MaxBitrateBps {
		r.fatal("bitrate bounds [%d, %d] are not an ordered positive range", c.MinBitrateBps, c.MaxBitrateBps)
	} else {
		if c.InitialBitrateBps < c.MinBitrateBps {
			r.warn("initial_bitrate_bps %d below minimum, clamping to %d", c.InitialBitrateBps, c.MinBitrateBps)
			c.InitialBitrateBps = c.MinBitrateBps
		}
		if c.InitialBitrateBps > c.MaxBitrateBps {
			r.warn("initial_bitrate_bps %d above maximum, clamping to %d", c.InitialBitrateBps, c.MaxBitrateBps)
			c.InitialBitrateBps = c.MaxBitrateBps
		}
	}

	if c.FecPercentage < 0 || c.FecPercentage > 50 {
		r.warn("fec_percentage %d outside [0, 50], clamping", c.FecPercentage)
		c.FecPercentage = clamp(c.FecPercentage, 0, 50)
	}
	if c.FecPercentageMax < c.FecPercentage {
		r.warn("fec_percentage_max %d below fec_percentage, raising to %d", c.FecPercentageMax, c.FecPercentage)
		c.FecPercentageMax = c.FecPercentage
	}

	if c.MTU < 512 || c.MTU > 9000 {
		r.warn("mtu %d outside [512, 9000], clamping to 1400", c.MTU)
		c.MTU = 1400
	}

	if c.FoveationEnabled {
		if c.FoveationCenterX <= 0 || c.FoveationCenterX >= 1 || c.FoveationCenterY <= 0 || c.FoveationCenterY >= 1 {
			r.fatal("foveation center (%.2f, %.2f) must lie in (0, 1)", c.FoveationCenterX, c.FoveationCenterY)
		}
		if c.FoveationEdgeX < 1 || c.FoveationEdgeY < 1 {
			r.fatal("foveation edge ratios (%.2f, %.2f) must be >= 1", c.FoveationEdgeX, c.FoveationEdgeY)
		}
	}

	if c.AudioSampleRate != 48000 {
		r.warn("audio_sample_rate %d unsupported, forcing 48000", c.AudioSampleRate)
		c.AudioSampleRate = 48000
	}

	if c.IPDMeters <= 0 || c.IPDMeters > 0.1 {
		r.warn("ipd_meters %.4f implausible, resetting to 0.063", c.IPDMeters)
		c.IPDMeters = 0.063
	}

	if len(c.ControllerHands) != 2 {
		r.warn("controller_hands must map exactly two controllers, resetting to [0, 1]")
		c.ControllerHands = []int{0, 1}
	}

	if c.StreamPort <= 0 || c.StreamPort > 65535 || c.ControlPort <= 0 || c.ControlPort > 65535 {
		r.fatal("ports stream=%d control=%d outside (0, 65535]", c.StreamPort, c.ControlPort)
	} else if c.StreamPort == c.ControlPort {
		r.fatal("stream_port and control_port are both %d", c.StreamPort)
	}

	if c.HeartbeatIntervalSeconds < 1 {
		r.warn("heartbeat_interval_seconds %d below minimum 1, clamping", c.HeartbeatIntervalSeconds)
		c.HeartbeatIntervalSeconds = 1
	} else if c.HeartbeatIntervalSeconds > 60 {
		r.warn("heartbeat_interval_seconds %d exceeds maximum 60, clamping", c.HeartbeatIntervalSeconds)
		c.HeartbeatIntervalSeconds = 60
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
		c.LogFormat = "text"
	}

	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Decode service
	FFmpegBin  string
	FFprobeBin string
	WorkDir    string // empty = fresh temp dir per process

	// Audio engine
	SampleRate     int
	OutputBuffer   time.Duration // speaker buffer
	LeadTime       time.Duration // scheduling lead before the first audible sample
	MeterRate      float64       // meter refresh, ticks per second
	DeclickRamp    time.Duration // fade applied on source start/stop
	AnalyserWindow int           // power-of-two frames per analyser window

	// Cast leg
	CastMode    string        // webrtc, simulated, off
	CastTimeout time.Duration // how long a cast request waits for a receiver

	// Shell
	LogLevel string
	DevTools bool
	Console  bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	cfg := Config{
		Port: envInt("STAGESPLIT_PORT", 8080),

		FFmpegBin:  envStr("STAGESPLIT_FFMPEG", "ffmpeg"),
		FFprobeBin: envStr("STAGESPLIT_FFPROBE", "ffprobe"),
		WorkDir:    envStr("STAGESPLIT_WORKDIR", ""),

		SampleRate:     envInt("STAGESPLIT_SAMPLE_RATE", 48000),
		OutputBuffer:   time.Duration(envInt("STAGESPLIT_OUTPUT_BUFFER_MS", 100)) * time.Millisecond,
		LeadTime:       time.Duration(envFloat("STAGESPLIT_LEAD_MS", 20) * float64(time.Millisecond)),
		MeterRate:      envFloat("STAGESPLIT_METER_FPS", 60),
		DeclickRamp:    time.Duration(envFloat("STAGESPLIT_DECLICK_MS", 5) * float64(time.Millisecond)),
		AnalyserWindow: envInt("STAGESPLIT_ANALYSER_WINDOW", 256),

		CastMode:    strings.ToLower(envStr("STAGESPLIT_CAST_MODE", "webrtc")),
		CastTimeout: time.Duration(envInt("STAGESPLIT_CAST_TIMEOUT", 60)) * time.Second,

		LogLevel: strings.ToLower(envStr("STAGESPLIT_LOG_LEVEL", "info")),
		DevTools: envBool("STAGESPLIT_DEVTOOLS", false),
		Console:  envBool("STAGESPLIT_CONSOLE", true),
	}

	// devtools is the old debugging switch; it only raises verbosity now
	if cfg.DevTools {
		cfg.LogLevel = "debug"
	}
	if !isPowerOfTwo(cfg.AnalyserWindow) || cfg.AnalyserWindow < 32 {
		cfg.AnalyserWindow = 256
	}
	switch cfg.CastMode {
	case "webrtc", "simulated", "off":
	default:
		cfg.CastMode = "webrtc"
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envBool accepts "1"/"0" as well as anything strconv.ParseBool understands.
func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

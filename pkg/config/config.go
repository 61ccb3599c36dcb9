// Package config provides configuration handling for the segment engine and
// the replay tool.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/tcp"
)

// Config represents the complete configuration.
type Config struct {
	// Engine contains the segment engine tunables.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Replay contains the capture replay settings.
	Replay ReplayConfig `json:"replay" yaml:"replay"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig holds the engine tunables. Durations are milliseconds.
type EngineConfig struct {
	InitialWindowSegments int `json:"initialWindowSegments" yaml:"initialWindowSegments"`
	RexmtThresh           int `json:"rexmtThresh" yaml:"rexmtThresh"`

	RTOMinMs      int `json:"rtoMinMs" yaml:"rtoMinMs"`
	RTOMaxMs      int `json:"rtoMaxMs" yaml:"rtoMaxMs"`
	RTOInitialMs  int `json:"rtoInitialMs" yaml:"rtoInitialMs"`
	RTTInvalidate int `json:"rttInvalidate" yaml:"rttInvalidate"`
	MaxRxtShift   int `json:"maxRxtShift" yaml:"maxRxtShift"`

	// PAWSIdleDays is how long ts_recent stays valid without refresh.
	PAWSIdleDays int `json:"pawsIdleDays" yaml:"pawsIdleDays"`

	DelayedAck       bool `json:"delayedAck" yaml:"delayedAck"`
	DelayedAckTimeMs int  `json:"delayedAckTimeMs" yaml:"delayedAckTimeMs"`
	MSLMs            int  `json:"mslMs" yaml:"mslMs"`

	SACK            bool `json:"sack" yaml:"sack"`
	SACKTrigger     bool `json:"sackTrigger" yaml:"sackTrigger"`
	PRR             bool `json:"prr" yaml:"prr"`
	LimitedTransmit bool `json:"limitedTransmit" yaml:"limitedTransmit"`
	ABC             bool `json:"abc" yaml:"abc"`
	ABCLVar         int  `json:"abcLVar" yaml:"abcLVar"`
	ECN             bool `json:"ecn" yaml:"ecn"`

	InsecureRST bool `json:"insecureRst" yaml:"insecureRst"`
	InsecureSYN bool `json:"insecureSyn" yaml:"insecureSyn"`
	InsecureACK bool `json:"insecureAck" yaml:"insecureAck"`

	ChallengeAckLimit    int `json:"challengeAckLimit" yaml:"challengeAckLimit"`
	ChallengeAckWindowMs int `json:"challengeAckWindowMs" yaml:"challengeAckWindowMs"`

	TolerateMissingTS       bool `json:"tolerateMissingTs" yaml:"tolerateMissingTs"`
	AllowWindowShrink       bool `json:"allowWindowShrink" yaml:"allowWindowShrink"`
	DisableHeaderPrediction bool `json:"disableHeaderPrediction" yaml:"disableHeaderPrediction"`

	// CongestionControl is the algorithm name (newreno, reno, abe).
	CongestionControl string `json:"congestionControl" yaml:"congestionControl"`
}

// ReplayConfig contains settings for cmd/tcpreplay.
type ReplayConfig struct {
	// Workers bounds the number of flows replayed concurrently.
	Workers int `json:"workers" yaml:"workers"`

	// MetricsAddr, when set, serves /metrics on this address.
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr"`

	// ReportIntervalMs is the period of the statistics report, 0 for a
	// single report at the end.
	ReportIntervalMs int `json:"reportIntervalMs" yaml:"reportIntervalMs"`

	// ReportFormat is json or text.
	ReportFormat string `json:"reportFormat" yaml:"reportFormat"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is text or json.
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	d := tcp.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			InitialWindowSegments:   d.InitialWindowSegments,
			RexmtThresh:             d.RexmtThresh,
			RTOMinMs:                ticksToMs(d.RTOMin),
			RTOMaxMs:                ticksToMs(d.RTOMax),
			RTOInitialMs:            ticksToMs(d.RTOInitial),
			RTTInvalidate:           d.RTTInvalidate,
			MaxRxtShift:             d.MaxRxtShift,
			PAWSIdleDays:            24,
			DelayedAck:              d.DelayedAck,
			DelayedAckTimeMs:        ticksToMs(d.DelayedAckTime),
			MSLMs:                   ticksToMs(d.MSL),
			SACK:                    d.SACK,
			SACKTrigger:             d.SACKTrigger,
			PRR:                     d.PRR,
			LimitedTransmit:         d.LimitedTransmit,
			ABC:                     d.ABC,
			ABCLVar:                 d.ABCLVar,
			ECN:                     d.ECN,
			ChallengeAckLimit:       d.ChallengeAckLimit,
			ChallengeAckWindowMs:    ticksToMs(d.ChallengeAckWindow),
			TolerateMissingTS:       false,
			AllowWindowShrink:       false,
			DisableHeaderPrediction: false,
			CongestionControl:       d.CongestionControl,
		},
		Replay: ReplayConfig{
			Workers:          8,
			ReportIntervalMs: 0,
			ReportFormat:     "text",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

func ticksToMs(t uint32) int { return int(uint64(t) * 1000 / core.HZ) }

func msToTicks(ms int) uint32 { return uint32(uint64(ms) * core.HZ / 1000) }

// TCP converts the tunables to the engine's tick-based configuration.
func (e *EngineConfig) TCP() tcp.Config {
	d := tcp.DefaultConfig()
	return tcp.Config{
		InitialWindowSegments:   e.InitialWindowSegments,
		RexmtThresh:             e.RexmtThresh,
		RTOMin:                  msToTicks(e.RTOMinMs),
		RTOMax:                  msToTicks(e.RTOMaxMs),
		RTOInitial:              msToTicks(e.RTOInitialMs),
		RTTInvalidate:           e.RTTInvalidate,
		MaxRxtShift:             e.MaxRxtShift,
		PAWSIdle:                uint32(e.PAWSIdleDays) * 24 * 60 * 60 * core.HZ,
		DelayedAck:              e.DelayedAck,
		DelayedAckTime:          msToTicks(e.DelayedAckTimeMs),
		MSL:                     msToTicks(e.MSLMs),
		FinWait2Timeout:         d.FinWait2Timeout,
		KeepIdle:                d.KeepIdle,
		SACK:                    e.SACK,
		SACKTrigger:             e.SACKTrigger,
		PRR:                     e.PRR,
		LimitedTransmit:         e.LimitedTransmit,
		ABC:                     e.ABC,
		ABCLVar:                 e.ABCLVar,
		ECN:                     e.ECN,
		InsecureRST:             e.InsecureRST,
		InsecureSYN:             e.InsecureSYN,
		InsecureACK:             e.InsecureACK,
		ChallengeAckLimit:       e.ChallengeAckLimit,
		ChallengeAckWindow:      msToTicks(e.ChallengeAckWindowMs),
		TolerateMissingTS:       e.TolerateMissingTS,
		AllowWindowShrink:       e.AllowWindowShrink,
		DisableHeaderPrediction: e.DisableHeaderPrediction,
		CongestionControl:       e.CongestionControl,
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		*dst = val
	}
}

// LoadFromEnv loads configuration from TCPIN_* environment variables.
func LoadFromEnv(config *Config) {
	e := &config.Engine
	envInt("TCPIN_INITIAL_WINDOW_SEGMENTS", &e.InitialWindowSegments)
	envInt("TCPIN_REXMT_THRESH", &e.RexmtThresh)
	envInt("TCPIN_RTO_MIN_MS", &e.RTOMinMs)
	envInt("TCPIN_RTO_MAX_MS", &e.RTOMaxMs)
	envInt("TCPIN_RTO_INITIAL_MS", &e.RTOInitialMs)
	envInt("TCPIN_RTT_INVALIDATE", &e.RTTInvalidate)
	envInt("TCPIN_MAX_RXT_SHIFT", &e.MaxRxtShift)
	envInt("TCPIN_PAWS_IDLE_DAYS", &e.PAWSIdleDays)
	envBool("TCPIN_DELAYED_ACK", &e.DelayedAck)
	envInt("TCPIN_DELAYED_ACK_TIME_MS", &e.DelayedAckTimeMs)
	envInt("TCPIN_MSL_MS", &e.MSLMs)
	envBool("TCPIN_SACK", &e.SACK)
	envBool("TCPIN_SACK_TRIGGER", &e.SACKTrigger)
	envBool("TCPIN_PRR", &e.PRR)
	envBool("TCPIN_LIMITED_TRANSMIT", &e.LimitedTransmit)
	envBool("TCPIN_ABC", &e.ABC)
	envInt("TCPIN_ABC_L_VAR", &e.ABCLVar)
	envBool("TCPIN_ECN", &e.ECN)
	envBool("TCPIN_INSECURE_RST", &e.InsecureRST)
	envBool("TCPIN_INSECURE_SYN", &e.InsecureSYN)
	envBool("TCPIN_INSECURE_ACK", &e.InsecureACK)
	envInt("TCPIN_CHALLENGE_ACK_LIMIT", &e.ChallengeAckLimit)
	envInt("TCPIN_CHALLENGE_ACK_WINDOW_MS", &e.ChallengeAckWindowMs)
	envBool("TCPIN_TOLERATE_MISSING_TS", &e.TolerateMissingTS)
	envBool("TCPIN_ALLOW_WINDOW_SHRINK", &e.AllowWindowShrink)
	envBool("TCPIN_DISABLE_HEADER_PREDICTION", &e.DisableHeaderPrediction)
	envString("TCPIN_CONGESTION_CONTROL", &e.CongestionControl)

	envInt("TCPIN_REPLAY_WORKERS", &config.Replay.Workers)
	envString("TCPIN_METRICS_ADDR", &config.Replay.MetricsAddr)
	envInt("TCPIN_REPORT_INTERVAL_MS", &config.Replay.ReportIntervalMs)
	envString("TCPIN_REPORT_FORMAT", &config.Replay.ReportFormat)

	envString("TCPIN_LOG_LEVEL", &config.Logging.Level)
	envString("TCPIN_LOG_FORMAT", &config.Logging.Format)
	envString("TCPIN_LOG_FILE", &config.Logging.File)
	envInt("TCPIN_LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("TCPIN_LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("TCPIN_LOG_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.InitialWindowSegments <= 0 {
		return fmt.Errorf("invalid initial window segments: %d", e.InitialWindowSegments)
	}
	if e.RexmtThresh <= 0 {
		return fmt.Errorf("invalid duplicate ACK threshold: %d", e.RexmtThresh)
	}
	if e.RTOMinMs <= 0 || e.RTOMaxMs < e.RTOMinMs {
		return fmt.Errorf("invalid RTO bounds: min %dms, max %dms", e.RTOMinMs, e.RTOMaxMs)
	}
	if e.RTOInitialMs < e.RTOMinMs || e.RTOInitialMs > e.RTOMaxMs {
		return fmt.Errorf("initial RTO %dms outside [%d, %d]", e.RTOInitialMs, e.RTOMinMs, e.RTOMaxMs)
	}
	if e.MaxRxtShift <= 0 || e.MaxRxtShift > 12 {
		return fmt.Errorf("invalid max retransmit shift: %d", e.MaxRxtShift)
	}
	if e.PAWSIdleDays <= 0 || e.PAWSIdleDays > 24 {
		// Larger values overflow the 32-bit millisecond tick space.
		return fmt.Errorf("invalid PAWS idle days: %d", e.PAWSIdleDays)
	}
	if e.ChallengeAckLimit <= 0 || e.ChallengeAckWindowMs <= 0 {
		return fmt.Errorf("invalid challenge ACK limit: %d per %dms", e.ChallengeAckLimit, e.ChallengeAckWindowMs)
	}
	if !tcp.KnownCongestionControl(e.CongestionControl) {
		return fmt.Errorf("unknown congestion control: %s (have %s)",
			e.CongestionControl, strings.Join(tcp.Algorithms(), ", "))
	}

	if c.Replay.Workers <= 0 {
		return fmt.Errorf("invalid replay workers: %d", c.Replay.Workers)
	}
	switch c.Replay.ReportFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid report format: %s", c.Replay.ReportFormat)
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	return logging.Configure(logging.Options{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	})
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

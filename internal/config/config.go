// Package config loads the process-level configuration surface (§6) from
// environment variables, following the same .env discovery and
// getEnv*-with-default style as the teacher's pkg/config/config.go.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// EventsConfig holds events.* keys (§6).
type EventsConfig struct {
	EnableTriggers bool
	// Keymap is the ordered key->label mapping; the first entry is the
	// default sticky label. Loaded from EVENTS_KEYMAP as "k1=Label1,k2=Label2".
	Keymap []KeyLabel
}

// KeyLabel is one ordered keymap entry.
type KeyLabel struct {
	Key   string
	Label string
}

// SpikesConfig holds spikes.* keys.
type SpikesConfig struct {
	EnableTriggers bool
	Keymap         map[string]string
}

// ExportConfig holds export.* keys.
type ExportConfig struct {
	Enable           bool
	CSVSignalEnable  bool
	CSVMarkerEnable  bool
	LookaheadSec     float64
	FlushPeriodSec   float64
	FlushRows        int
	IdleWatermarkSec float64
	SyncedDir        string
	MarkersDir       string
	PrintK           bool
}

// UIConfig holds ui.* keys.
type UIConfig struct {
	PlotDecimateHz float64
}

// SystemConfig holds system.* keys.
type SystemConfig struct {
	CheckDependencies bool
}

// TelemetryConfig holds telemetry.* keys.
type TelemetryConfig struct {
	WindowSec float64
}

// Config is the top-level process configuration (§6 configuration surface).
type Config struct {
	System    SystemConfig
	Telemetry TelemetryConfig
	Events    EventsConfig
	Spikes    SpikesConfig
	Export    ExportConfig
	UI        UIConfig
}

// Load discovers a .env file (current dir, parent dir, or working
// directory absolute path, same precedence as the teacher), then reads
// every recognized key from the environment with documented defaults.
func Load(logger *logrus.Logger) *Config {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("config: failed to get working directory")
		wd = "unknown"
	}

	candidates := []string{".env", "../.env", filepath.Join(wd, ".env")}
	loadedFrom := ""
	for _, f := range candidates {
		if _, statErr := os.Stat(f); statErr == nil {
			if err := godotenv.Load(f); err == nil {
				loadedFrom, _ = filepath.Abs(f)
				break
			}
		}
	}
	if loadedFrom == "" {
		if err := godotenv.Load(); err == nil {
			if _, statErr := os.Stat(".env"); statErr == nil {
				loadedFrom, _ = filepath.Abs(".env")
			}
		}
	}
	if loadedFrom != "" {
		logger.WithField("path", loadedFrom).Info("config: loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Warn("config: no .env file found, using environment variables only")
	}

	return &Config{
		System: SystemConfig{
			CheckDependencies: getEnvBool("SYSTEM_CHECK_DEPENDENCIES", true),
		},
		Telemetry: TelemetryConfig{
			WindowSec: getEnvFloat("TELEMETRY_WINDOW_S", 10.0),
		},
		Events: EventsConfig{
			EnableTriggers: getEnvBool("EVENTS_ENABLE_TRIGGERS", true),
			Keymap:         parseKeymap(getEnv("EVENTS_KEYMAP", "0=REST,1=TASK")),
		},
		Spikes: SpikesConfig{
			EnableTriggers: getEnvBool("SPIKES_ENABLE_TRIGGERS", true),
			Keymap:         parseKeymapMap(getEnv("SPIKES_KEYMAP", "space=MANUAL")),
		},
		Export: ExportConfig{
			Enable:           getEnvBool("EXPORT_ENABLE", true),
			CSVSignalEnable:  getEnvBool("EXPORT_CSV_SIGNAL_ENABLE", true),
			CSVMarkerEnable:  getEnvBool("EXPORT_CSV_MARKER_ENABLE", true),
			LookaheadSec:     getEnvFloat("EXPORT_LOOKAHEAD_SEC", 0.2),
			FlushPeriodSec:   getEnvFloat("EXPORT_FLUSH_PERIOD_SEC", 0.25),
			FlushRows:        getEnvInt("EXPORT_FLUSH_ROWS", 0),
			IdleWatermarkSec: getEnvFloat("EXPORT_IDLE_WATERMARK_SEC", 5.0),
			SyncedDir:        getEnv("EXPORT_OUT_SYNCED_DIR", "data/synced"),
			MarkersDir:       getEnv("EXPORT_OUT_MARKERS_DIR", "data/markers"),
			PrintK:           getEnvBool("EXPORT_PRINT_K", true),
		},
		UI: UIConfig{
			PlotDecimateHz: getEnvFloat("UI_PLOT_DECIMATE_HZ", 20.0),
		},
	}
}

// parseKeymap parses "key=Label,key=Label" preserving definition order,
// which matters because the first entry is the default sticky label.
func parseKeymap(raw string) []KeyLabel {
	var out []KeyLabel
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, KeyLabel{Key: strings.TrimSpace(parts[0]), Label: strings.TrimSpace(parts[1])})
	}
	return out
}

func parseKeymapMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, kl := range parseKeymap(raw) {
		out[kl.Key] = kl.Label
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

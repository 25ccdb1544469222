package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pelletier/go-toml/v2"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

// duration lets TOML files spell durations the way time.ParseDuration does.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	value, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(value)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type storageConfig struct {
	Profile        string `toml:"profile"`
	DataDir        string `toml:"data_dir"`
	LocalStore     string `toml:"local_store"`
	PersistenceDSN string `toml:"persistence_dsn"`
	SinkQueueDSN   string `toml:"sink_queue_dsn"`
	SinkQueueSize  int    `toml:"sink_queue_size"`
	ProductionDSN  string `toml:"production_dsn"`
	RedisDSN       string `toml:"redis_dsn"`
}

type brokerConfig struct {
	SinkWorkers         int      `toml:"sink_workers"`
	MaxSinkAttempts     int      `toml:"max_sink_attempts"`
	SinkRetryDelay      duration `toml:"sink_retry_delay"`
	SnapshotEvery       int      `toml:"snapshot_every"`
	ReconnectGrace      duration `toml:"reconnect_grace"`
	IdleAfter           duration `toml:"idle_after"`
	DisconnectAfter     duration `toml:"disconnect_after"`
	JanitorInterval     duration `toml:"janitor_interval"`
	MaxPendingAttempts  int      `toml:"max_pending_attempts"`
	PendingTimeout      duration `toml:"pending_timeout"`
	SubscriberBuffer    int      `toml:"subscriber_buffer"`
	SubmitRate          float64  `toml:"submit_rate"`
	SubmitBurst         int      `toml:"submit_burst"`
	AutoCreateDocuments bool     `toml:"auto_create_documents"`
}

type httpConfig struct {
	RateLimitMax    int      `toml:"rate_limit_max"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
	WriteTimeout    duration `toml:"write_timeout"`
	OriginPatterns  []string `toml:"origin_patterns"`
}

type config struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout duration      `toml:"shutdown_timeout"`
	Storage         storageConfig `toml:"storage"`
	Broker          brokerConfig  `toml:"broker"`
	HTTP            httpConfig    `toml:"http"`
}

func defaultConfig() config {
	return config{
		Addr:            ":8080",
		ShutdownTimeout: duration(10 * time.Second),
		Storage: storageConfig{
			DataDir:       ".relaydoc",
			LocalStore:    "sqlite",
			SinkQueueSize: 1024,
		},
		Broker: brokerConfig{
			AutoCreateDocuments: true,
		},
		HTTP: httpConfig{
			RateLimitWindow: duration(time.Minute),
		},
	}
}

// loadConfig reads the optional TOML file named by RELAYDOC_CONFIG (or
// path) and then applies RELAYDOC_* environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *config) {
	cfg.Addr = stringEnv("RELAYDOC_ADDR", cfg.Addr)
	cfg.ShutdownTimeout = duration(durationEnv("RELAYDOC_SHUTDOWN_TIMEOUT", time.Duration(cfg.ShutdownTimeout)))

	s := &cfg.Storage
	s.Profile = stringEnv("RELAYDOC_BACKEND_PROFILE", s.Profile)
	s.DataDir = stringEnv("RELAYDOC_DATA_DIR", s.DataDir)
	s.LocalStore = stringEnv("RELAYDOC_LOCAL_STORE", s.LocalStore)
	s.PersistenceDSN = stringEnv("RELAYDOC_PERSISTENCE_DSN", s.PersistenceDSN)
	s.SinkQueueDSN = stringEnv("RELAYDOC_SINK_QUEUE_DSN", s.SinkQueueDSN)
	s.SinkQueueSize = intEnv("RELAYDOC_SINK_QUEUE_SIZE", s.SinkQueueSize)
	s.ProductionDSN = stringEnv("RELAYDOC_PRODUCTION_DSN", stringEnv("RELAYDOC_POSTGRES_DSN", s.ProductionDSN))
	s.RedisDSN = stringEnv("RELAYDOC_REDIS_DSN", s.RedisDSN)

	b := &cfg.Broker
	b.SinkWorkers = intEnv("RELAYDOC_SINK_WORKERS", b.SinkWorkers)
	b.MaxSinkAttempts = intEnv("RELAYDOC_MAX_SINK_ATTEMPTS", b.MaxSinkAttempts)
	b.SinkRetryDelay = duration(durationEnv("RELAYDOC_SINK_RETRY_DELAY", time.Duration(b.SinkRetryDelay)))
	b.SnapshotEvery = intEnv("RELAYDOC_SNAPSHOT_EVERY", b.SnapshotEvery)
	b.ReconnectGrace = duration(durationEnv("RELAYDOC_RECONNECT_GRACE", time.Duration(b.ReconnectGrace)))
	b.IdleAfter = duration(durationEnv("RELAYDOC_IDLE_AFTER", time.Duration(b.IdleAfter)))
	b.DisconnectAfter = duration(durationEnv("RELAYDOC_DISCONNECT_AFTER", time.Duration(b.DisconnectAfter)))
	b.JanitorInterval = duration(durationEnv("RELAYDOC_JANITOR_INTERVAL", time.Duration(b.JanitorInterval)))
	b.MaxPendingAttempts = intEnv("RELAYDOC_MAX_PENDING_ATTEMPTS", b.MaxPendingAttempts)
	b.PendingTimeout = duration(durationEnv("RELAYDOC_PENDING_TIMEOUT", time.Duration(b.PendingTimeout)))
	b.SubscriberBuffer = intEnv("RELAYDOC_SUBSCRIBER_BUFFER", b.SubscriberBuffer)
	b.SubmitRate = floatEnv("RELAYDOC_SUBMIT_RATE", b.SubmitRate)
	b.SubmitBurst = intEnv("RELAYDOC_SUBMIT_BURST", b.SubmitBurst)
	b.AutoCreateDocuments = boolEnv("RELAYDOC_AUTO_CREATE_DOCUMENTS", b.AutoCreateDocuments)

	h := &cfg.HTTP
	h.RateLimitMax = intEnv("RELAYDOC_RATE_LIMIT_MAX", h.RateLimitMax)
	h.RateLimitWindow = duration(durationEnv("RELAYDOC_RATE_LIMIT_WINDOW", time.Duration(h.RateLimitWindow)))
	h.MaxBodyBytes = int64Env("RELAYDOC_MAX_BODY_BYTES", h.MaxBodyBytes)
	h.MaxMessageBytes = int64Env("RELAYDOC_MAX_MESSAGE_BYTES", h.MaxMessageBytes)
	h.WriteTimeout = duration(durationEnv("RELAYDOC_WRITE_TIMEOUT", time.Duration(h.WriteTimeout)))
	if raw := strings.TrimSpace(os.Getenv("RELAYDOC_ORIGIN_PATTERNS")); raw != "" {
		h.OriginPatterns = splitList(raw)
	}
}

func (c config) brokerOptions(persistence relaydoc.PersistenceBackend, queue relaydoc.SinkQueue) relaydoc.BrokerOptions {
	b := c.Broker
	return relaydoc.BrokerOptions{
		Persistence:         persistence,
		SinkQueue:           queue,
		SinkWorkers:         b.SinkWorkers,
		MaxSinkAttempts:     b.MaxSinkAttempts,
		SinkRetryDelay:      time.Duration(b.SinkRetryDelay),
		SnapshotEvery:       b.SnapshotEvery,
		ReconnectGrace:      time.Duration(b.ReconnectGrace),
		IdleAfter:           time.Duration(b.IdleAfter),
		DisconnectAfter:     time.Duration(b.DisconnectAfter),
		JanitorInterval:     time.Duration(b.JanitorInterval),
		MaxPendingAttempts:  b.MaxPendingAttempts,
		PendingTimeout:      time.Duration(b.PendingTimeout),
		SubscriberBuffer:    b.SubscriberBuffer,
		SubmitRate:          b.SubmitRate,
		SubmitBurst:         b.SubmitBurst,
		AutoCreateDocuments: b.AutoCreateDocuments,
		BackendProfile:      c.Storage.Profile,
	}
}

func (c config) serverConfig() httpapi.ServerConfig {
	h := c.HTTP
	return httpapi.ServerConfig{
		RateLimitMax:    h.RateLimitMax,
		RateLimitWindow: time.Duration(h.RateLimitWindow),
		MaxBodyBytes:    h.MaxBodyBytes,
		MaxMessageBytes: h.MaxMessageBytes,
		WriteTimeout:    time.Duration(h.WriteTimeout),
		OriginPatterns:  h.OriginPatterns,
	}
}

// buildStorage resolves the persistence backend and sink queue. Explicit
// DSNs win over the profile defaults.
func buildStorage(s storageConfig) (relaydoc.PersistenceBackend, relaydoc.SinkQueue, error) {
	profilePersistence, profileQueue, err := storageProfileDefaults(s)
	if err != nil {
		return nil, nil, err
	}
	persistenceDSN := firstNonEmpty(s.PersistenceDSN, profilePersistence)
	queueDSN := firstNonEmpty(s.SinkQueueDSN, profileQueue)

	persistence, err := relaydoc.BuildPersistenceFromDSN(persistenceDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: %w", err)
	}
	if queueDSN == "" {
		return persistence, nil, nil
	}
	queue, err := relaydoc.BuildSinkQueueFromDSN(queueDSN, s.SinkQueueSize)
	if err != nil {
		return nil, nil, fmt.Errorf("sink queue: %w", err)
	}
	return persistence, queue, nil
}

func storageProfileDefaults(s storageConfig) (persistenceDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = ".relaydoc"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		queue := "file://" + filepath.Join(dataDir, "sink-queue.json")
		switch strings.ToLower(strings.TrimSpace(s.LocalStore)) {
		case "", "sqlite":
			return "sqlite://" + filepath.Join(dataDir, "relaydoc.db"), queue, nil
		case "bolt", "bbolt":
			return "bolt://" + filepath.Join(dataDir, "relaydoc.bolt"), queue, nil
		case "json", "file":
			return "file://" + filepath.Join(dataDir, "documents"), queue, nil
		default:
			return "", "", fmt.Errorf("unsupported local store %q", s.LocalStore)
		}
	case "production", "prod":
		if strings.TrimSpace(s.ProductionDSN) == "" {
			return "", "", errors.New("RELAYDOC_PRODUCTION_DSN or RELAYDOC_POSTGRES_DSN is required for the production profile")
		}
		return s.ProductionDSN, firstNonEmpty(s.RedisDSN, s.ProductionDSN), nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYDOC_BACKEND_PROFILE: %s", profile)
	}
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

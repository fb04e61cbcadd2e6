package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Public base URL of this gateway as seen by the carrier, used to build
	// the websocket stream URL in the voice webhook response.
	PublicHost string

	// Realtime speech model connection.
	RealtimeURL    string
	RealtimeAPIKey string
	Voice          string
	Instructions   string
	Temperature    float64

	// Server-side voice activity detection.
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int
	TranscriptionModel   string

	// SessionSettleDelay is the pause between session.created and the
	// configuration payload.
	SessionSettleDelay time.Duration

	// Offline text model for summaries and profile extraction.
	TextModelAPIKey string
	TextModel       string

	// Knowledge base search service.
	KnowledgeBaseURL string
	KnowledgeAPIKey  string

	// Calendar booking service.
	CalendarBaseURL string
	CalendarAPIKey  string
	CalendarID      string

	// Persistence.
	DatabaseDSN       string
	StoreMaxAttempts  int
	StoreRetryBase    time.Duration
	StoreRetryMaxWait time.Duration

	// Live websocket plumbing.
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSReadTimeout      time.Duration
	WSMaxMessageBytes  int64
	MaxCallDuration    time.Duration
	OutboundQueueSize  int
	HandshakeTimeout   time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("CALLBRIDGE_ADDR", ":8080"),
		PublicHost:           strings.TrimSpace(os.Getenv("CALLBRIDGE_PUBLIC_HOST")),
		RealtimeURL:          envOr("CALLBRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		RealtimeAPIKey:       strings.TrimSpace(os.Getenv("CALLBRIDGE_REALTIME_API_KEY")),
		Voice:                envOr("CALLBRIDGE_VOICE", "alloy"),
		Instructions:         envOr("CALLBRIDGE_INSTRUCTIONS", defaultInstructions),
		Temperature:          envFloat64Or("CALLBRIDGE_TEMPERATURE", 0.7),
		VADThreshold:         envFloat64Or("CALLBRIDGE_VAD_THRESHOLD", 0.6),
		VADPrefixPaddingMS:   envIntOr("CALLBRIDGE_VAD_PREFIX_PADDING_MS", 300),
		VADSilenceDurationMS: envIntOr("CALLBRIDGE_VAD_SILENCE_DURATION_MS", 500),
		TranscriptionModel:   envOr("CALLBRIDGE_TRANSCRIPTION_MODEL", "whisper-1"),
		SessionSettleDelay:   envDurationOr("CALLBRIDGE_SESSION_SETTLE_DELAY", 250*time.Millisecond),
		TextModelAPIKey:      strings.TrimSpace(os.Getenv("CALLBRIDGE_TEXT_MODEL_API_KEY")),
		TextModel:            envOr("CALLBRIDGE_TEXT_MODEL", "gemini-2.0-flash"),
		KnowledgeBaseURL:     envOr("CALLBRIDGE_KNOWLEDGE_BASE_URL", "https://api.tavily.com"),
		KnowledgeAPIKey:      strings.TrimSpace(os.Getenv("CALLBRIDGE_KNOWLEDGE_API_KEY")),
		CalendarBaseURL:      strings.TrimSpace(os.Getenv("CALLBRIDGE_CALENDAR_BASE_URL")),
		CalendarAPIKey:       strings.TrimSpace(os.Getenv("CALLBRIDGE_CALENDAR_API_KEY")),
		CalendarID:           envOr("CALLBRIDGE_CALENDAR_ID", "primary"),
		DatabaseDSN:          strings.TrimSpace(os.Getenv("CALLBRIDGE_DATABASE_DSN")),
		StoreMaxAttempts:     envIntOr("CALLBRIDGE_STORE_MAX_ATTEMPTS", 3),
		StoreRetryBase:       envDurationOr("CALLBRIDGE_STORE_RETRY_BASE", 200*time.Millisecond),
		StoreRetryMaxWait:    envDurationOr("CALLBRIDGE_STORE_RETRY_MAX_WAIT", 2*time.Second),
		WSPingInterval:       envDurationOr("CALLBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("CALLBRIDGE_WS_READ_TIMEOUT", 0),
		WSMaxMessageBytes:    envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", 64*1024),
		MaxCallDuration:      envDurationOr("CALLBRIDGE_MAX_CALL_DURATION", 30*time.Minute),
		OutboundQueueSize:    envIntOr("CALLBRIDGE_OUTBOUND_QUEUE_SIZE", 128),
		HandshakeTimeout:     envDurationOr("CALLBRIDGE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:    envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.RealtimeAPIKey == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_API_KEY must be set")
	}
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_DATABASE_DSN must be set")
	}
	if cfg.TextModelAPIKey == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_TEXT_MODEL_API_KEY must be set")
	}
	if cfg.CalendarBaseURL == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_CALENDAR_BASE_URL must be set")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_URL must not be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TEMPERATURE must be between 0 and 2")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.VADPrefixPaddingMS < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceDurationMS <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_VAD_SILENCE_DURATION_MS must be > 0")
	}
	if cfg.SessionSettleDelay < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SESSION_SETTLE_DELAY must be >= 0")
	}
	if cfg.StoreMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_MAX_ATTEMPTS must be > 0")
	}
	if cfg.StoreRetryBase <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_RETRY_BASE must be > 0")
	}
	if cfg.StoreRetryMaxWait < cfg.StoreRetryBase {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_RETRY_MAX_WAIT must be >= CALLBRIDGE_STORE_RETRY_BASE")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.KnowledgeBaseURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_KNOWLEDGE_BASE_URL must not be empty")
	}

	return cfg, nil
}

const defaultInstructions = "You are a friendly phone receptionist for a fitness studio. " +
	"Keep answers short and conversational. Never invent factual details about the " +
	"studio; call the lookup_knowledge tool before answering any factual question. " +
	"When the caller wants to book, schedule, or set up a session, call the " +
	"schedule_session tool. Expand numbers and abbreviations for speech."

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

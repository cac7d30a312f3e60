package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Orchestrator OrchestratorConfig
	Escalation   EscalationConfig
	Ticket       TicketConfig
	Assistant    AssistantConfig
	Events       EventsConfig
	Channel      ChannelConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// OrchestratorConfig tunes the inbound turn pipeline.
type OrchestratorConfig struct {
	DebounceWindowMS     int
	DedupRetentionMin    int
	ScanIntervalSec      int
	DispatchRetries      int
	DispatchRetryDelayMS int
	ApologyMessage       string
}

// EscalationConfig holds the keyword lists and thresholds the escalation
// rules evaluate against. Keyword matching is case-insensitive.
type EscalationConfig struct {
	UrgentKeywords   []string
	HighKeywords     []string
	WaitThresholdMin int
	VIPCustomerIDs   []string
}

// TicketConfig tunes ticket continuity and ID issuance.
type TicketConfig struct {
	IDPrefix       string
	ReopenWindowHr int
	MaxReopenCount int
}

// AssistantConfig configures the automated responder.
type AssistantConfig struct {
	APIKey         string
	AssistantID    string
	Model          string
	CallTimeoutSec int
	MaxRetries     int
	RetryDelayMS   int
	TrimAfterTurns int
	TrimAfterHours int
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	Backend       string // "memory" or "nats"
	NATSURL       string
	SubjectPrefix string
}

// ChannelConfig points at the outbound chat-channel endpoint and the
// agent console webhook. Empty URLs select the log-only dispatchers.
type ChannelConfig struct {
	OutboundURL     string
	AgentWebhookURL string
	SendTimeoutSec  int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "conversation-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Orchestrator: OrchestratorConfig{
			DebounceWindowMS:     getEnvAsInt("TURN_DEBOUNCE_WINDOW_MS", 2000),
			DedupRetentionMin:    getEnvAsInt("DEDUP_RETENTION_MINUTES", 20),
			ScanIntervalSec:      getEnvAsInt("ESCALATION_SCAN_INTERVAL_SECONDS", 300),
			DispatchRetries:      getEnvAsInt("DISPATCH_RETRIES", 3),
			DispatchRetryDelayMS: getEnvAsInt("DISPATCH_RETRY_DELAY_MS", 500),
			ApologyMessage: getEnv("APOLOGY_MESSAGE",
				"Sorry, something went wrong on our side. An agent will get back to you shortly."),
		},
		Escalation: EscalationConfig{
			UrgentKeywords:   getEnvAsSlice("ESCALATION_URGENT_KEYWORDS", nil),
			HighKeywords:     getEnvAsSlice("ESCALATION_HIGH_KEYWORDS", nil),
			WaitThresholdMin: getEnvAsInt("ESCALATION_WAIT_THRESHOLD_MINUTES", 30),
			VIPCustomerIDs:   getEnvAsSlice("VIP_CUSTOMER_IDS", nil),
		},
		Ticket: TicketConfig{
			IDPrefix:       getEnv("TICKET_ID_PREFIX", "TKT"),
			ReopenWindowHr: getEnvAsInt("TICKET_REOPEN_WINDOW_HOURS", 72),
			MaxReopenCount: getEnvAsInt("TICKET_MAX_REOPEN_COUNT", 3),
		},
		Assistant: AssistantConfig{
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			AssistantID:    os.Getenv("OPENAI_ASSISTANT_ID"),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			CallTimeoutSec: getEnvAsInt("ASSISTANT_CALL_TIMEOUT_SECONDS", 60),
			MaxRetries:     getEnvAsInt("ASSISTANT_MAX_RETRIES", 2),
			RetryDelayMS:   getEnvAsInt("ASSISTANT_RETRY_DELAY_MS", 750),
			TrimAfterTurns: getEnvAsInt("ASSISTANT_TRIM_AFTER_TURNS", 40),
			TrimAfterHours: getEnvAsInt("ASSISTANT_TRIM_AFTER_HOURS", 24),
		},
		Events: EventsConfig{
			Backend:       getEnv("EVENTS_BACKEND", "memory"),
			NATSURL:       getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			SubjectPrefix: getEnv("EVENTS_SUBJECT_PREFIX", "support"),
		},
		Channel: ChannelConfig{
			OutboundURL:     getEnv("CHANNEL_OUTBOUND_URL", ""),
			AgentWebhookURL: getEnv("CHANNEL_AGENT_WEBHOOK_URL", ""),
			SendTimeoutSec:  getEnvAsInt("CHANNEL_SEND_TIMEOUT_SECONDS", 10),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// DebounceWindow returns the quiet period after the last message before a
// turn is flushed.
func (o OrchestratorConfig) DebounceWindow() time.Duration {
	return time.Duration(o.DebounceWindowMS) * time.Millisecond
}

// DedupRetention returns how long processed message ids are remembered.
func (o OrchestratorConfig) DedupRetention() time.Duration {
	return time.Duration(o.DedupRetentionMin) * time.Minute
}

// ScanInterval returns the period of the stale-conversation scan.
func (o OrchestratorConfig) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalSec) * time.Second
}

// DispatchRetryDelay returns the pause between outbound delivery retries.
func (o OrchestratorConfig) DispatchRetryDelay() time.Duration {
	return time.Duration(o.DispatchRetryDelayMS) * time.Millisecond
}

// WaitThreshold returns how long an assigned conversation may sit without
// escalation before the periodic scan bumps it.
func (e EscalationConfig) WaitThreshold() time.Duration {
	return time.Duration(e.WaitThresholdMin) * time.Minute
}

// ReopenWindow returns the period after resolution during which a new
// report reopens the old ticket.
func (t TicketConfig) ReopenWindow() time.Duration {
	return time.Duration(t.ReopenWindowHr) * time.Hour
}

// CallTimeout bounds a single assistant call.
func (a AssistantConfig) CallTimeout() time.Duration {
	return time.Duration(a.CallTimeoutSec) * time.Second
}

// RetryDelay returns the pause between assistant call retries.
func (a AssistantConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMS) * time.Millisecond
}

// TrimAfterAge returns the binding age beyond which context is compacted.
func (a AssistantConfig) TrimAfterAge() time.Duration {
	return time.Duration(a.TrimAfterHours) * time.Hour
}

// SendTimeout bounds one outbound channel delivery.
func (c ChannelConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsSlice(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

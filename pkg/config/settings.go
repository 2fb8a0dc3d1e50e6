// Package config loads telechat settings from viper (flags, TELECHAT_* environment,
// config file) and the optional YAML prompts file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/telechat/pkg/chunker"
	"github.com/go-go-golems/telechat/pkg/completion"
	"github.com/go-go-golems/telechat/pkg/completion/openai"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

type Conversation struct {
	MaxHistory       int
	MaxContinues     int
	MaxSegmentLength int
	PromptsFile      string
}

type LLM struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration
	Retries         int
}

type Telegram struct {
	Token   string
	OwnerID int64
	// PartDelay is the pause between the segments of one answer.
	PartDelay      time.Duration
	SendsPerSecond float64
	Workers        int
	// MessagesPerMinute limits each user's inbound messages; 0 disables limiting.
	MessagesPerMinute float64
}

type Store struct {
	Backend     string
	SQLitePath  string
	RedisAddr   string
	RedisPrefix string
	RedisTTL    time.Duration
}

type Events struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string
	Topic         string
}

type Settings struct {
	Conversation Conversation
	LLM          LLM
	Telegram     Telegram
	Store        Store
	Events       Events
}

// Flag names double as viper keys.
const (
	flagMaxHistory        = "max-history"
	flagMaxContinues      = "max-continues"
	flagMaxSegmentLength  = "max-segment-length"
	flagPromptsFile       = "prompts-file"
	flagAPIKey            = "api-key"
	flagBaseURL           = "base-url"
	flagModel             = "model"
	flagMaxOutputTokens   = "max-output-tokens"
	flagTemperature       = "temperature"
	flagLLMTimeout        = "llm-timeout"
	flagLLMRetries        = "llm-retries"
	flagTelegramToken     = "telegram-token"
	flagOwnerID           = "owner-id"
	flagPartDelay         = "part-delay"
	flagSendsPerSecond    = "sends-per-second"
	flagWorkers           = "workers"
	flagMessagesPerMinute = "messages-per-minute"
	flagStore             = "store"
	flagSQLitePath        = "sqlite-path"
	flagStoreRedisAddr    = "store-redis-addr"
	flagStoreRedisPrefix  = "store-redis-prefix"
	flagStoreRedisTTL     = "store-redis-ttl"
	flagEventsRedis       = "events-redis-enabled"
	flagEventsRedisAddr   = "events-redis-addr"
	flagEventsGroup       = "events-redis-group"
	flagEventsConsumer    = "events-redis-consumer"
	flagEventsTopic       = "events-topic"
)

// AddFlags registers every setting on fs with its default.
func AddFlags(fs *pflag.FlagSet) {
	fs.Int(flagMaxHistory, conversation.DefaultMaxHistory, "Turns kept per user beyond the system prompt")
	fs.Int(flagMaxContinues, continuation.DefaultMaxContinues, "Continuation calls allowed for one answer")
	fs.Int(flagMaxSegmentLength, chunker.DefaultMaxLength, "Maximum length of one outbound message")
	fs.String(flagPromptsFile, "", "YAML file with default, owner and continue prompts")

	fs.String(flagAPIKey, "", "API key of the completion service (or GROQ_API_KEY)")
	fs.String(flagBaseURL, openai.DefaultBaseURL, "Base URL of the OpenAI-compatible API")
	fs.String(flagModel, "", "Always use this model instead of routing by message")
	fs.Int(flagMaxOutputTokens, 2500, "Output token ceiling per completion call")
	fs.Float64(flagTemperature, 0.7, "Sampling temperature")
	fs.Duration(flagLLMTimeout, openai.DefaultTimeout, "HTTP timeout per completion call")
	fs.Int(flagLLMRetries, openai.DefaultRetries, "Retries on rate limit and server errors")

	fs.String(flagTelegramToken, "", "Telegram bot token (or TELEGRAM_TOKEN)")
	fs.Int64(flagOwnerID, 0, "Telegram user id of the bot owner")
	fs.Duration(flagPartDelay, 500*time.Millisecond, "Pause between the parts of a long answer")
	fs.Float64(flagSendsPerSecond, 25, "Global outbound message rate")
	fs.Int(flagWorkers, 8, "Users processed concurrently")
	fs.Float64(flagMessagesPerMinute, 20, "Inbound messages allowed per user per minute, 0 disables")

	fs.String(flagStore, StoreMemory, "Conversation store: memory, sqlite or redis")
	fs.String(flagSQLitePath, "telechat.db", "SQLite database path")
	fs.String(flagStoreRedisAddr, "localhost:6379", "Redis address for the conversation store")
	fs.String(flagStoreRedisPrefix, conversation.DefaultRedisKeyPrefix, "Redis key prefix for conversations")
	fs.Duration(flagStoreRedisTTL, 0, "Expire idle conversations in redis after this long, 0 keeps them")

	fs.Bool(flagEventsRedis, false, "Publish conversation events to Redis Streams")
	fs.String(flagEventsRedisAddr, "localhost:6379", "Redis address for events")
	fs.String(flagEventsGroup, "telechat", "Redis consumer group for the audit log")
	fs.String(flagEventsConsumer, "telechat-1", "Redis consumer name for the audit log")
	fs.String(flagEventsTopic, "telechat.conversation", "Events topic or stream name")
}

// Load reads Settings from v. Flags registered with AddFlags must already be bound.
func Load(v *viper.Viper) Settings {
	s := Settings{
		Conversation: Conversation{
			MaxHistory:       v.GetInt(flagMaxHistory),
			MaxContinues:     v.GetInt(flagMaxContinues),
			MaxSegmentLength: v.GetInt(flagMaxSegmentLength),
			PromptsFile:      v.GetString(flagPromptsFile),
		},
		LLM: LLM{
			APIKey:          v.GetString(flagAPIKey),
			BaseURL:         v.GetString(flagBaseURL),
			Model:           v.GetString(flagModel),
			MaxOutputTokens: v.GetInt(flagMaxOutputTokens),
			Temperature:     v.GetFloat64(flagTemperature),
			Timeout:         v.GetDuration(flagLLMTimeout),
			Retries:         v.GetInt(flagLLMRetries),
		},
		Telegram: Telegram{
			Token:             v.GetString(flagTelegramToken),
			OwnerID:           v.GetInt64(flagOwnerID),
			PartDelay:         v.GetDuration(flagPartDelay),
			SendsPerSecond:    v.GetFloat64(flagSendsPerSecond),
			Workers:           v.GetInt(flagWorkers),
			MessagesPerMinute: v.GetFloat64(flagMessagesPerMinute),
		},
		Store: Store{
			Backend:     strings.ToLower(strings.TrimSpace(v.GetString(flagStore))),
			SQLitePath:  v.GetString(flagSQLitePath),
			RedisAddr:   v.GetString(flagStoreRedisAddr),
			RedisPrefix: v.GetString(flagStoreRedisPrefix),
			RedisTTL:    v.GetDuration(flagStoreRedisTTL),
		},
		Events: Events{
			RedisEnabled:  v.GetBool(flagEventsRedis),
			RedisAddr:     v.GetString(flagEventsRedisAddr),
			RedisGroup:    v.GetString(flagEventsGroup),
			RedisConsumer: v.GetString(flagEventsConsumer),
			Topic:         v.GetString(flagEventsTopic),
		},
	}

	// Environment names used by existing deployments.
	if s.Telegram.Token == "" {
		s.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if s.LLM.APIKey == "" {
		s.LLM.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if s.Store.Backend == "" {
		s.Store.Backend = StoreMemory
	}
	return s
}

// BindFlags binds fs to v so flags, environment and config file resolve through viper.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "config: bind flags")
	}
	return nil
}

// Validate checks the settings shared by every command. requireTelegram additionally
// demands a bot token.
func (s Settings) Validate(requireTelegram bool) error {
	if requireTelegram && strings.TrimSpace(s.Telegram.Token) == "" {
		return errors.New("config: telegram token is required (--telegram-token or TELEGRAM_TOKEN)")
	}
	if strings.TrimSpace(s.LLM.APIKey) == "" {
		return errors.New("config: api key is required (--api-key or GROQ_API_KEY)")
	}
	switch s.Store.Backend {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return errors.Errorf("config: unknown store backend %q", s.Store.Backend)
	}
	if s.Conversation.MaxHistory < 0 {
		return errors.Errorf("config: max-history must not be negative, got %d", s.Conversation.MaxHistory)
	}
	if s.Conversation.MaxContinues < 0 {
		return errors.Errorf("config: max-continues must not be negative, got %d", s.Conversation.MaxContinues)
	}
	if s.Conversation.MaxSegmentLength < 1 || s.Conversation.MaxSegmentLength > 4096 {
		return errors.Errorf("config: max-segment-length must be in [1, 4096], got %d", s.Conversation.MaxSegmentLength)
	}
	if s.LLM.MaxOutputTokens < 1 {
		return errors.Errorf("config: max-output-tokens must be positive, got %d", s.LLM.MaxOutputTokens)
	}
	return nil
}

// CompletionOptions is the per-call configuration every completion of a run shares.
func (s Settings) CompletionOptions() continuation.CompletionOptions {
	return continuation.CompletionOptions{
		MaxOutputTokens: s.LLM.MaxOutputTokens,
		Temperature:     s.LLM.Temperature,
	}
}

// Router returns the model router, pinned when a model is configured.
func (s Settings) Router(p Prompts) completion.ModelRouter {
	r := completion.ModelRouter{
		Fixed:          s.LLM.Model,
		Models:         completion.DefaultModelSet(),
		ContinuePrompt: p.Continue,
	}
	if p.Models != nil {
		r.Models = *p.Models
	}
	return r
}

// ConfigureEnv makes every key resolvable as TELECHAT_<KEY> with dashes as underscores.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix("telechat")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

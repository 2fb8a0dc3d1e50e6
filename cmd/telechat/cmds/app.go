package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/completion/openai"
	"github.com/go-go-golems/telechat/pkg/config"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
	"github.com/go-go-golems/telechat/pkg/events"
)

// bindFlags binds only the running command's flags, so commands sharing flag names do
// not shadow each other in viper.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return config.BindFlags(viper.GetViper(), cmd.Flags())
}

func loadSettings() config.Settings {
	return config.Load(viper.GetViper())
}

func openBackend(ctx context.Context, s config.Store) (conversation.Backend, error) {
	switch s.Backend {
	case config.StoreMemory:
		return conversation.NewMemoryBackend(nil), nil
	case config.StoreSQLite:
		dsn, err := conversation.SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", s.SQLitePath).Msg("using sqlite conversation store")
		return conversation.NewSQLiteBackend(dsn)
	case config.StoreRedis:
		log.Info().Str("addr", s.RedisAddr).Str("prefix", s.RedisPrefix).Msg("using redis conversation store")
		return conversation.DialRedisBackend(ctx, s.RedisAddr, conversation.RedisBackendOptions{
			Prefix: s.RedisPrefix,
			TTL:    s.RedisTTL,
		})
	default:
		return nil, errors.Errorf("unknown store backend %q", s.Backend)
	}
}

func openStore(ctx context.Context, s config.Settings, prompts config.Prompts) (*conversation.Store, error) {
	backend, err := openBackend(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	store, err := conversation.NewStore(backend, conversation.StoreOptions{
		MaxHistory: s.Conversation.MaxHistory,
		Prompts:    prompts.SystemPrompts(),
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

type app struct {
	settings config.Settings
	store    *conversation.Store
	handler  *bot.Handler
	bus      *events.Bus
}

func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("closing event bus")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("closing conversation store")
		}
	}
}

// newApp builds the handler stack shared by serve and chat.
func newApp(ctx context.Context, s config.Settings) (*app, error) {
	prompts, err := config.LoadPrompts(s.Conversation.PromptsFile)
	if err != nil {
		return nil, err
	}

	client, err := openai.NewClient(openai.Settings{
		APIKey:  s.LLM.APIKey,
		BaseURL: s.LLM.BaseURL,
		Timeout: s.LLM.Timeout,
		Retries: s.LLM.Retries,
		Router:  s.Router(prompts),
	})
	if err != nil {
		return nil, err
	}

	controller, err := continuation.NewController(client, continuation.Options{
		MaxContinues:   s.Conversation.MaxContinues,
		ContinuePrompt: prompts.Continue,
		Completion:     s.CompletionOptions(),
	})
	if err != nil {
		return nil, err
	}

	a := &app{settings: s}
	a.store, err = openStore(ctx, s, prompts)
	if err != nil {
		return nil, err
	}

	a.bus, err = events.NewBus(events.Settings{
		Topic:         s.Events.Topic,
		RedisEnabled:  s.Events.RedisEnabled,
		RedisAddr:     s.Events.RedisAddr,
		RedisGroup:    s.Events.RedisGroup,
		RedisConsumer: s.Events.RedisConsumer,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.handler, err = bot.NewHandler(bot.HandlerOptions{
		Store:      a.store,
		Controller: controller,
		Events:     a.bus,
		Stats:      bot.NewStats(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/config"
	"github.com/go-go-golems/telechat/pkg/events"
	"github.com/go-go-golems/telechat/pkg/telegram"
)

const (
	limiterIdle     = 30 * time.Minute
	limiterInterval = 5 * time.Minute
	pollTimeout     = 60
)

type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	log.Debug().Str("component", "telegram").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (botLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "telegram").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the Telegram bot",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			if err := s.Validate(true); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, s config.Settings) error {
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close()

	if s.Events.RedisEnabled {
		if err := events.EnsureGroupAtTail(ctx, s.Events.RedisAddr, a.bus.Topic(), s.Events.RedisGroup); err != nil {
			return err
		}
	}

	if err := tgbotapi.SetLogger(botLogger{}); err != nil {
		return errors.Wrap(err, "set telegram logger")
	}
	api, err := tgbotapi.NewBotAPI(s.Telegram.Token)
	if err != nil {
		return errors.Wrap(err, "connect to telegram")
	}
	log.Info().Str("bot", api.Self.UserName).Msg("connected to telegram")

	limiter := bot.NewLimiter(s.Telegram.MessagesPerMinute, 3)
	runner, err := telegram.NewRunner(api, a.handler, telegram.Options{
		OwnerID:          s.Telegram.OwnerID,
		MaxSegmentLength: s.Conversation.MaxSegmentLength,
		PartDelay:        s.Telegram.PartDelay,
		SendsPerSecond:   s.Telegram.SendsPerSecond,
		Workers:          s.Telegram.Workers,
		Limiter:          limiter,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return runner.Run(ctx, telegram.Poll(ctx, api, pollTimeout))
	})
	eg.Go(func() error {
		return events.RunAuditLog(ctx, a.bus.Subscriber(), a.bus.Topic())
	})
	eg.Go(func() error {
		limiter.RunEvictionLoop(ctx, limiterIdle, limiterInterval)
		return nil
	})

	err = eg.Wait()
	log.Info().Msg("telechat stopped")
	return err
}

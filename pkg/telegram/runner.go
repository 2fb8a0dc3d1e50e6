// Package telegram connects the bot handler to the Telegram Bot API over long polling.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/chunker"
)

type Options struct {
	// OwnerID selects the owner system prompt; 0 means nobody is the owner.
	OwnerID          int64
	MaxSegmentLength int
	// PartDelay separates consecutive parts of one answer.
	PartDelay      time.Duration
	SendsPerSecond float64
	Workers        int
	// Limiter is optional.
	Limiter *bot.Limiter
	Texts   Texts
}

// Runner routes updates to the handler. Each user's messages are processed by one queue
// worker at a time, and the worker also delivers the answer, so the parts of one answer
// are never interleaved with other replies to the same user.
type Runner struct {
	sender  Sender
	handler *bot.Handler
	opts    Options
	texts   Texts
	pace    *rate.Limiter
	now     func() time.Time
}

func NewRunner(sender Sender, handler *bot.Handler, opts Options) (*Runner, error) {
	if sender == nil {
		return nil, errors.New("telegram: nil sender")
	}
	if handler == nil {
		return nil, errors.New("telegram: nil handler")
	}
	if opts.MaxSegmentLength < 1 {
		opts.MaxSegmentLength = chunker.DefaultMaxLength
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if opts.SendsPerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(opts.SendsPerSecond), 1)
	}
	return &Runner{
		sender:  sender,
		handler: handler,
		opts:    opts,
		texts:   opts.Texts.withDefaults(),
		pace:    pace,
		now:     time.Now,
	}, nil
}

// Poll starts long polling on api and stops it when ctx is done, which closes the channel.
func Poll(ctx context.Context, api *tgbotapi.BotAPI, timeout int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	return updates
}

// Run dispatches updates until ctx is done or updates is closed, then waits for queued
// work to finish.
func (r *Runner) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	queue := bot.NewKeyedQueue(ctx, int64(r.opts.Workers))
	defer queue.Close()

	log.Info().Int64("owner_id", r.opts.OwnerID).Int("workers", r.opts.Workers).Msg("telegram runner started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("telegram runner stopping")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			msg := u.Message
			if msg == nil || msg.From == nil || msg.Chat == nil {
				continue
			}
			if _, err := queue.Submit(msg.From.ID, func(ctx context.Context) {
				r.Process(ctx, msg)
			}); err != nil {
				log.Warn().Err(err).Int64("user_id", msg.From.ID).Msg("dropping update")
			}
		}
	}
}

func (r *Runner) isOwner(userID int64) bool {
	return r.opts.OwnerID != 0 && userID == r.opts.OwnerID
}

// Process handles one message to completion, delivery included.
func (r *Runner) Process(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID
	owner := r.isOwner(userID)

	if msg.IsCommand() {
		r.command(ctx, msg, owner)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		r.reply(ctx, chatID, r.texts.NotText, false)
		return
	}
	if r.opts.Limiter != nil && !r.opts.Limiter.Allow(userID) {
		log.Info().Int64("user_id", userID).Msg("rate limited")
		r.reply(ctx, chatID, r.texts.RateLimited, false)
		return
	}

	stop := r.keepTyping(ctx, chatID)
	resp, err := r.handler.HandleUserMessage(ctx, userID, msg.Text, owner)
	stop()
	if err != nil {
		r.reply(ctx, chatID, r.texts.Failure, false)
		return
	}
	r.deliver(ctx, chatID, msg.MessageID, resp.Segments(r.opts.MaxSegmentLength))
}

// deliver sends the non-blank parts in order. A failed part stops delivery of the rest.
// Telegram rejects empty text, so an answer with nothing visible gets the Empty notice.
func (r *Runner) deliver(ctx context.Context, chatID int64, replyTo int, parts []string) {
	visible := parts[:0:0]
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			visible = append(visible, part)
		}
	}
	if len(visible) == 0 {
		log.Warn().Int64("chat_id", chatID).Msg("empty answer")
		r.replyTo(ctx, chatID, replyTo, r.texts.Empty)
		return
	}
	for i, part := range visible {
		if i > 0 {
			if err := sleep(ctx, r.opts.PartDelay); err != nil {
				return
			}
		}
		if err := r.send(ctx, chatID, part, 0, true); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Int("part", i+1).Int("parts", len(visible)).Msg("delivery failed")
			return
		}
	}
	if len(visible) > 2 {
		r.replyTo(ctx, chatID, replyTo, fmt.Sprintf(r.texts.PartsSummary, len(visible)))
	}
}

func (r *Runner) command(ctx context.Context, msg *tgbotapi.Message, owner bool) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	log.Debug().Int64("user_id", userID).Str("command", msg.Command()).Msg("command")

	switch msg.Command() {
	case "start":
		text := r.texts.Start
		if owner {
			text = r.texts.StartOwner + "\n\n" + text
		}
		r.reply(ctx, chatID, text, true)
	case "help":
		r.reply(ctx, chatID, r.texts.Help, true)
	case "clear":
		if err := r.handler.Clear(ctx, userID, owner); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("clear failed")
			r.reply(ctx, chatID, r.texts.Failure, false)
			return
		}
		text := r.texts.Cleared
		if owner {
			text = r.texts.ClearedOwner
		}
		r.reply(ctx, chatID, text, false)
	case "stats":
		r.reply(ctx, chatID, r.stats(ctx, userID, owner), true)
	default:
		r.reply(ctx, chatID, r.texts.Unknown, false)
	}
}

func (r *Runner) stats(ctx context.Context, userID int64, owner bool) string {
	var (
		u    bot.UserStats
		seen bool
		tot  bot.Totals
	)
	if s := r.handler.Stats(); s != nil {
		u, seen = s.User(userID)
		tot = s.Totals()
	}
	tokens, turns, err := r.handler.ContextTokens(ctx, userID, owner)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("context size unavailable")
	}
	users := 0
	if owner {
		ids, err := r.handler.Store().Users(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("listing conversations failed")
		}
		users = len(ids)
	}
	return formatStats(u, seen, tot, r.now(), owner, users, tokens, turns)
}

func (r *Runner) reply(ctx context.Context, chatID int64, text string, markdown bool) {
	if err := r.send(ctx, chatID, text, 0, markdown); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

func (r *Runner) replyTo(ctx context.Context, chatID int64, messageID int, text string) {
	if err := r.send(ctx, chatID, text, messageID, false); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

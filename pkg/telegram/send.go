package telegram

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sender is the part of *tgbotapi.BotAPI the runner depends on.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

var _ Sender = (*tgbotapi.BotAPI)(nil)

const maxRetryAfter = 30 * time.Second

func isParseError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

func retryAfter(err error) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		d := time.Duration(tgErr.RetryAfter) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}
	return 0
}

// send delivers one message. Markdown rejected by Telegram is resent as plain text, and a
// flood-control reply is honoured once.
func (r *Runner) send(ctx context.Context, chatID int64, text string, replyTo int, markdown bool) error {
	if err := r.pace.Wait(ctx); err != nil {
		return errors.Wrap(err, "telegram: send pacing")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}

	_, err := r.sender.Send(msg)
	if err == nil {
		return nil
	}
	if markdown && isParseError(err) {
		log.Debug().Int64("chat_id", chatID).Err(err).Msg("markdown rejected, sending plain text")
		msg.ParseMode = ""
		_, err = r.sender.Send(msg)
		if err == nil {
			return nil
		}
	}
	if wait := retryAfter(err); wait > 0 {
		log.Warn().Int64("chat_id", chatID).Dur("retry_after", wait).Msg("telegram flood control")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		_, err = r.sender.Send(msg)
		if err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "telegram: send to chat %d", chatID)
}

func (r *Runner) typing(chatID int64) {
	if _, err := r.sender.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		log.Debug().Err(err).Int64("chat_id", chatID).Msg("typing action failed")
	}
}

// keepTyping refreshes the typing indicator until the returned stop func is called.
// Telegram clears the indicator after about five seconds.
func (r *Runner) keepTyping(ctx context.Context, chatID int64) func() {
	r.typing(chatID)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(4 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.typing(chatID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package bot wires the conversation store, the continuation controller and the chunker
// into the inbound message path shared by the Telegram runner and the local chat REPL.
package bot

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/telechat/pkg/chunker"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
	"github.com/go-go-golems/telechat/pkg/events"
)

var ErrEmptyMessage = errors.New("bot: empty message")

// Response is the merged assistant answer for one inbound message.
type Response struct {
	Text          string
	Continuations int
	Calls         int
	Model         string
	Usage         continuation.Usage
}

// Segments splits the answer into deliverable messages of at most maxLen UTF-16 units.
func (r *Response) Segments(maxLen int) []string {
	if r == nil {
		return nil
	}
	return chunker.Segments(r.Text, maxLen)
}

type HandlerOptions struct {
	Store      *conversation.Store
	Controller *continuation.Controller
	// Events and Stats are optional.
	Events events.Publisher
	Stats  *Stats
}

type Handler struct {
	store      *conversation.Store
	controller *continuation.Controller
	events     events.Publisher
	stats      *Stats
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("bot: nil store")
	}
	if opts.Controller == nil {
		return nil, errors.New("bot: nil controller")
	}
	return &Handler{
		store:      opts.Store,
		controller: opts.Controller,
		events:     opts.Events,
		stats:      opts.Stats,
	}, nil
}

func (h *Handler) Store() *conversation.Store { return h.store }

func (h *Handler) Stats() *Stats { return h.stats }

// HandleUserMessage answers text for userID. The store is only written after the whole
// continuation run succeeded, and then with the user turn and the merged assistant turn in
// a single append. On failure the stored history is left exactly as it was.
func (h *Handler) HandleUserMessage(ctx context.Context, userID int64, text string, isOwner bool) (*Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	id := conversation.Identity{UserID: userID, Owner: isOwner}
	start := time.Now()

	history, err := h.store.Get(ctx, id)
	if err != nil {
		h.fail(ctx, id, err)
		return nil, err
	}
	userTurn := conversation.NewUserTurn(text)
	req := conversation.Truncate(append(history, userTurn), h.store.MaxHistory())

	res, err := h.controller.Run(ctx, req)
	if err != nil {
		h.fail(ctx, id, err)
		return nil, err
	}

	if err := h.store.Append(ctx, id, userTurn, conversation.NewAssistantTurn(res.Text)); err != nil {
		h.fail(ctx, id, err)
		return nil, err
	}

	log.Info().
		Int64("user_id", userID).
		Bool("owner", isOwner).
		Int("continuations", res.Continuations).
		Int("calls", res.Calls).
		Str("model", res.Model).
		Int("chars", len(res.Text)).
		Dur("elapsed", time.Since(start)).
		Msg("message answered")

	if h.stats != nil {
		h.stats.RecordAnswer(userID, res.Continuations, res.Usage.TotalTokens)
	}
	h.publish(ctx, events.Event{
		Type:          events.TypeCommitted,
		UserID:        userID,
		Owner:         isOwner,
		Continuations: res.Continuations,
		Calls:         res.Calls,
		Model:         res.Model,
		Chars:         len(res.Text),
		TotalTokens:   res.Usage.TotalTokens,
	})

	return &Response{
		Text:          res.Text,
		Continuations: res.Continuations,
		Calls:         res.Calls,
		Model:         res.Model,
		Usage:         res.Usage,
	}, nil
}

// Clear resets the user's conversation to a fresh system turn.
func (h *Handler) Clear(ctx context.Context, userID int64, isOwner bool) error {
	id := conversation.Identity{UserID: userID, Owner: isOwner}
	if err := h.store.Reset(ctx, id); err != nil {
		return err
	}
	h.publish(ctx, events.Event{Type: events.TypeReset, UserID: userID, Owner: isOwner})
	return nil
}

// ContextTokens estimates the token size of the stored conversation.
func (h *Handler) ContextTokens(ctx context.Context, userID int64, isOwner bool) (int, int, error) {
	turns, err := h.store.Get(ctx, conversation.Identity{UserID: userID, Owner: isOwner})
	if err != nil {
		return 0, 0, err
	}
	return EstimateTokens(turns), len(turns), nil
}

func (h *Handler) fail(ctx context.Context, id conversation.Identity, err error) {
	log.Error().Err(err).Int64("user_id", id.UserID).Msg("message failed")
	if h.stats != nil {
		h.stats.RecordFailure(id.UserID)
	}
	h.publish(ctx, events.Event{Type: events.TypeFailed, UserID: id.UserID, Owner: id.Owner, Error: err.Error()})
}

func (h *Handler) publish(ctx context.Context, e events.Event) {
	if h.events == nil {
		return
	}
	h.events.Publish(ctx, e)
}

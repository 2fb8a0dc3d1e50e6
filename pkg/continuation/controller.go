package continuation

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/telechat/pkg/conversation"
)

const (
	DefaultMaxContinues   = 3
	DefaultContinuePrompt = "Continue exactly from where you stopped."
	partSeparator         = "\n\n"
)

type Options struct {
	// MaxContinues caps the number of continuation calls. Negative values mean zero.
	MaxContinues int
	// ContinuePrompt is the synthetic user instruction sent with each continuation.
	ContinuePrompt string
	Completion     CompletionOptions
	// OnContinue is called before continuation n (1-based) is issued.
	OnContinue func(ctx context.Context, n int)
}

// Result is one logically complete assistant response.
type Result struct {
	Text          string
	Continuations int
	Calls         int
	Model         string
	FinishReason  string
	Usage         Usage
}

// Controller re-issues length-truncated completions until the answer is complete or the
// continuation ceiling is reached.
type Controller struct {
	client CompletionClient
	opts   Options
}

func NewController(client CompletionClient, opts Options) (*Controller, error) {
	if client == nil {
		return nil, errors.New("continuation: nil completion client")
	}
	if opts.MaxContinues < 0 {
		opts.MaxContinues = 0
	}
	if strings.TrimSpace(opts.ContinuePrompt) == "" {
		opts.ContinuePrompt = DefaultContinuePrompt
	}
	return &Controller{client: client, opts: opts}, nil
}

func (c *Controller) MaxContinues() int { return c.opts.MaxContinues }

// Run completes turns. The extended continuation request lives only inside this call;
// turns is never modified. Any client failure aborts the run and returns a
// *CompletionError with no partial result.
func (c *Controller) Run(ctx context.Context, turns []conversation.Turn) (Result, error) {
	if len(turns) == 0 {
		return Result{}, errors.New("continuation: empty conversation")
	}

	first, err := c.call(ctx, 1, turns)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Text:         first.Text,
		Calls:        1,
		Model:        first.Model,
		FinishReason: first.FinishReason,
		Usage:        first.Usage,
	}
	truncated := first.Truncated

	for truncated && res.Continuations < c.opts.MaxContinues {
		res.Continuations++
		if c.opts.OnContinue != nil {
			c.opts.OnContinue(ctx, res.Continuations)
		}
		log.Debug().
			Int("continuation", res.Continuations).
			Int("max_continues", c.opts.MaxContinues).
			Int("chars_so_far", len(res.Text)).
			Msg("continuing truncated completion")

		req := make([]conversation.Turn, 0, len(turns)+2)
		req = append(req, turns...)
		req = append(req,
			conversation.Turn{Role: conversation.RoleAssistant, Content: res.Text},
			conversation.Turn{Role: conversation.RoleUser, Content: c.opts.ContinuePrompt},
		)

		next, err := c.call(ctx, res.Calls+1, req)
		if err != nil {
			return Result{}, err
		}
		res.Calls++
		res.Text += partSeparator + next.Text
		res.Usage = res.Usage.Add(next.Usage)
		res.FinishReason = next.FinishReason
		if next.Model != "" {
			res.Model = next.Model
		}
		truncated = next.Truncated
	}

	return res, nil
}

func (c *Controller) call(ctx context.Context, n int, turns []conversation.Turn) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, &CompletionError{Call: n, Err: err}
	}
	out, err := c.client.Complete(ctx, turns, c.opts.Completion)
	if err != nil {
		var ce *CompletionError
		if errors.As(err, &ce) {
			return Completion{}, err
		}
		return Completion{}, &CompletionError{Call: n, Err: err}
	}
	return out, nil
}

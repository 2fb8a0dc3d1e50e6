package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Type string

const (
	TypeCommitted Type = "conversation.committed"
	TypeReset     Type = "conversation.reset"
	TypeFailed    Type = "conversation.failed"
)

// DefaultTopic is the topic (or Redis stream) conversation events go to.
const DefaultTopic = "telechat.conversation"

// Event describes something that happened to one user's conversation. It never carries
// message text, only sizes.
type Event struct {
	Type          Type      `json:"type"`
	UserID        int64     `json:"user_id"`
	Owner         bool      `json:"owner,omitempty"`
	Continuations int       `json:"continuations,omitempty"`
	Calls         int       `json:"calls,omitempty"`
	Model         string    `json:"model,omitempty"`
	Chars         int       `json:"chars,omitempty"`
	TotalTokens   int       `json:"total_tokens,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "events: marshal")
	}
	return b, nil
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "events: unmarshal")
	}
	if e.Type == "" {
		return Event{}, errors.New("events: missing type")
	}
	return e, nil
}

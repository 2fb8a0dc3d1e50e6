package conversation

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role tags who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) String() string { return string(r) }

// ParseRole normalizes a stored role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", errors.Errorf("conversation: unknown role %q", s)
	}
}

// Turn is one role-tagged utterance. Turns are passed by value and never mutated once built.
type Turn struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func NewSystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

func NewAssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content, CreatedAt: time.Now()}
}

// Identity is the key of a conversation plus the caller-supplied owner fact.
// Owner only selects the system prompt used when a conversation is (re)created.
type Identity struct {
	UserID int64
	Owner  bool
}

// SystemPrompts maps the owner flag to system turn content.
type SystemPrompts struct {
	Default string `yaml:"default"`
	Owner   string `yaml:"owner"`
}

const DefaultSystemPrompt = "You are a capable assistant. You write code, explain concepts and answer precisely and clearly."

func (p SystemPrompts) For(owner bool) string {
	if owner && strings.TrimSpace(p.Owner) != "" {
		return p.Owner
	}
	if strings.TrimSpace(p.Default) != "" {
		return p.Default
	}
	return DefaultSystemPrompt
}

// Clone returns a copy of turns that shares no backing array with the input.
func Clone(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

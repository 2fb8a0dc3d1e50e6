package cmds

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/telechat/pkg/bot"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

func newTestHandler(t *testing.T) (*bot.Handler, *conversation.Store) {
	t.Helper()
	store, err := conversation.NewStore(conversation.NewMemoryBackend(nil), conversation.StoreOptions{MaxHistory: 10})
	require.NoError(t, err)
	echo := continuation.CompletionFunc(func(_ context.Context, turns []conversation.Turn, _ continuation.CompletionOptions) (continuation.Completion, error) {
		return continuation.Completion{Text: "echo: " + turns[len(turns)-1].Content}, nil
	})
	ctrl, err := continuation.NewController(echo, continuation.Options{})
	require.NoError(t, err)
	h, err := bot.NewHandler(bot.HandlerOptions{Store: store, Controller: ctrl})
	require.NoError(t, err)
	return h, store
}

func TestChatREPL_AnswersClearsAndQuits(t *testing.T) {
	h, store := newTestHandler(t)
	var out bytes.Buffer
	repl := &chatREPL{
		handler: h,
		userID:  4,
		maxLen:  4000,
		in:      strings.NewReader("hello\n/clear\nagain\n/quit\nnever\n"),
		out:     &out,
	}
	require.NoError(t, repl.run(context.Background()))

	require.Contains(t, out.String(), "echo: hello")
	require.Contains(t, out.String(), "conversation cleared")
	require.Contains(t, out.String(), "echo: again")
	require.NotContains(t, out.String(), "never")

	turns, err := store.Get(context.Background(), conversation.Identity{UserID: 4})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "again", turns[1].Content)
}

func TestChatREPL_EOFEndsSession(t *testing.T) {
	h, _ := newTestHandler(t)
	var out bytes.Buffer
	repl := &chatREPL{
		handler: h,
		userID:  1,
		maxLen:  4000,
		in:      strings.NewReader("hi"),
		out:     &out,
	}
	require.NoError(t, repl.run(context.Background()))
	require.Contains(t, out.String(), "echo: hi")
}

func TestConfirmPurgeAll(t *testing.T) {
	ok, err := confirmPurgeAll(strings.NewReader("y\n"), &bytes.Buffer{}, 3)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = confirmPurgeAll(strings.NewReader("n\n"), &bytes.Buffer{}, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRenderTranscript(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	text := renderTranscript([]conversation.Turn{
		{Role: conversation.RoleSystem, Content: "sys", CreatedAt: at},
		{Role: conversation.RoleUser, Content: "question", CreatedAt: at},
	})
	require.Equal(t, "### system (2024-05-01 10:30)\n\nsys\n\n### user (2024-05-01 10:30)\n\nquestion\n\n", text)
}

func TestDefaultEncoding(t *testing.T) {
	require.Equal(t, "o200k_base", defaultEncoding("gpt-4o-mini"))
	require.Equal(t, "p50k_base", defaultEncoding("text-davinci-003"))
	require.Equal(t, "cl100k_base", defaultEncoding("llama-3.3-70b-versatile"))
}

func TestParseUserID(t *testing.T) {
	id, err := parseUserID("123")
	require.NoError(t, err)
	require.Equal(t, int64(123), id)
	_, err = parseUserID("abc")
	require.Error(t, err)
}

func rowValue(t *testing.T, row types.Row, key string) any {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, "missing column %s", key)
	return v
}

func TestConversationRows(t *testing.T) {
	ctx := context.Background()
	_, store := newTestHandler(t)
	require.NoError(t, store.Append(ctx, conversation.Identity{UserID: 9}, conversation.NewUserTurn("a"), conversation.NewAssistantTurn("b")))
	require.NoError(t, store.Append(ctx, conversation.Identity{UserID: 2}, conversation.NewUserTurn("c")))

	var rows []types.Row
	require.NoError(t, conversationRows(ctx, store, func(row types.Row) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rowValue(t, rows[0], "user_id"))
	require.Equal(t, 2, rowValue(t, rows[0], "turns"))
	require.Equal(t, int64(9), rowValue(t, rows[1], "user_id"))
	require.Equal(t, 3, rowValue(t, rows[1], "turns"))
	require.Positive(t, rowValue(t, rows[1], "tokens"))
}

func TestLookupConversation_UnknownUserIsNotCreated(t *testing.T) {
	ctx := context.Background()
	_, store := newTestHandler(t)

	_, err := lookupConversation(ctx, store, 42)
	require.EqualError(t, err, "no conversation stored for user 42")
	ids, err := store.Users(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestTurnRows(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	var rows []types.Row
	require.NoError(t, turnRows([]conversation.Turn{
		{Role: conversation.RoleSystem, Content: "sys", CreatedAt: at},
		{Role: conversation.RoleUser, Content: "question", CreatedAt: at},
	}, func(row types.Row) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 2)
	require.Equal(t, 1, rowValue(t, rows[1], "index"))
	require.Equal(t, "user", rowValue(t, rows[1], "role"))
	require.Equal(t, "2024-05-01T10:30:00Z", rowValue(t, rows[1], "created_at"))
	require.Equal(t, "question", rowValue(t, rows[1], "content"))
}

func TestCountTokens(t *testing.T) {
	codec, n, err := countTokens("gpt-4o", "", "hello world")
	require.NoError(t, err)
	require.Equal(t, "o200k_base", codec)
	require.Equal(t, 2, n)

	codec, _, err = countTokens("llama-3.3-70b-versatile", "p50k_base", "hello")
	require.NoError(t, err)
	require.Equal(t, "p50k_base", codec)

	_, _, err = countTokens("x", "no-such-codec", "hello")
	require.Error(t, err)
}

func TestHistoryCommandTree(t *testing.T) {
	cmd := NewHistoryCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		if c.Name() != "purge" {
			require.NotNil(t, c.Flags().Lookup("store"), "%s lacks store flags", c.Name())
			require.NotNil(t, c.PreRunE)
		}
	}
	require.Equal(t, map[string]bool{"list": true, "show": true, "transcript": true, "purge": true}, names)
}

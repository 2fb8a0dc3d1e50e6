package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testPrompts = SystemPrompts{Default: "default prompt", Owner: "owner prompt"}

func newMemoryStore(t *testing.T, maxHistory int) *Store {
	t.Helper()
	s, err := NewStore(NewMemoryBackend(nil), StoreOptions{MaxHistory: maxHistory, Prompts: testPrompts})
	require.NoError(t, err)
	return s
}

func TestStore_GetCreatesSystemTurn(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)

	turns, err := s.Get(ctx, Identity{UserID: 1})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, RoleSystem, turns[0].Role)
	require.Equal(t, "default prompt", turns[0].Content)

	owner, err := s.Get(ctx, Identity{UserID: 2, Owner: true})
	require.NoError(t, err)
	require.Equal(t, "owner prompt", owner[0].Content)
}

func TestStore_BoundedHistory(t *testing.T) {
	ctx := context.Background()
	const maxHistory = 4
	s := newMemoryStore(t, maxHistory)
	id := Identity{UserID: 7}

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Append(ctx, id, NewUserTurn(fmt.Sprintf("m%d", i))))
		turns, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.LessOrEqual(t, len(turns), 1+maxHistory)
		require.Equal(t, RoleSystem, turns[0].Role)
	}

	turns, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"m21", "m22", "m23", "m24"}, contents(turns[1:]))
}

func TestStore_EndToEndTruncation(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 2)
	id := Identity{UserID: 42}

	require.NoError(t, s.Append(ctx, id, NewUserTurn("a")))
	require.NoError(t, s.Append(ctx, id, NewAssistantTurn("b")))
	require.NoError(t, s.Append(ctx, id, NewUserTurn("c")))
	require.NoError(t, s.Append(ctx, id, NewAssistantTurn("d")))
	require.NoError(t, s.Append(ctx, id, NewUserTurn("e")))

	turns, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, RoleAssistant, turns[1].Role)
	require.Equal(t, "d", turns[1].Content)
	require.Equal(t, RoleUser, turns[2].Role)
	require.Equal(t, "e", turns[2].Content)
}

func TestStore_AppendManyEqualsSequentialAppends(t *testing.T) {
	ctx := context.Background()
	a := newMemoryStore(t, 3)
	b := newMemoryStore(t, 3)
	id := Identity{UserID: 1}

	batch := []Turn{NewUserTurn("1"), NewAssistantTurn("2"), NewUserTurn("3"), NewAssistantTurn("4"), NewUserTurn("5")}
	require.NoError(t, a.Append(ctx, id, batch...))
	for _, turn := range batch {
		require.NoError(t, b.Append(ctx, id, turn))
	}

	ta, err := a.Get(ctx, id)
	require.NoError(t, err)
	tb, err := b.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, contents(ta), contents(tb))
}

func TestStore_ResetIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)
	id := Identity{UserID: 3, Owner: true}
	require.NoError(t, s.Append(ctx, id, NewUserTurn("hello"), NewAssistantTurn("hi")))

	require.NoError(t, s.Reset(ctx, id))
	first, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, id))
	second, err := s.Get(ctx, id)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Role, second[0].Role)
	require.Equal(t, first[0].Content, second[0].Content)
	require.Equal(t, "owner prompt", second[0].Content)
}

func TestStore_InvariantViolation(t *testing.T) {
	ctx := context.Background()
	backing := map[int64][]Turn{9: {{Role: RoleUser, Content: "orphan"}}}
	s, err := NewStore(NewMemoryBackend(backing), StoreOptions{MaxHistory: 3})
	require.NoError(t, err)

	_, err = s.Get(ctx, Identity{UserID: 9})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreInvariantViolation))

	err = s.Append(ctx, Identity{UserID: 9}, NewUserTurn("x"))
	require.True(t, errors.Is(err, ErrStoreInvariantViolation))
}

func TestStore_PurgeAndUsers(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)
	for _, id := range []int64{5, 1, 3} {
		require.NoError(t, s.Append(ctx, Identity{UserID: id}, NewUserTurn("x")))
	}
	ids, err := s.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 5}, ids)

	require.NoError(t, s.Purge(ctx, 3))
	ids, err = s.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 5}, ids)

	n, err := s.PurgeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	ids, err = s.Users(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestStore_LookupDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)

	turns, ok, err := s.Lookup(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, turns)
	ids, err := s.Users(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.Append(ctx, Identity{UserID: 7}, NewUserTurn("hi")))
	turns, ok, err = s.Lookup(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"default prompt", "hi"}, contents(turns))
}

func TestStore_LocksReleasedAfterUse(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- s.Append(ctx, Identity{UserID: id % 4}, NewUserTurn("x"))
			_, err := s.Get(ctx, Identity{UserID: id % 4})
			errs <- err
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Empty(t, s.locks)

	require.NoError(t, s.Purge(ctx, 1))
	_, err := s.PurgeAll(ctx)
	require.NoError(t, err)
	require.Empty(t, s.locks)

	turns, err := s.Get(ctx, Identity{UserID: 0})
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t, 5)
	id := Identity{UserID: 1}
	require.NoError(t, s.Append(ctx, id, NewUserTurn("keep")))

	turns, err := s.Get(ctx, id)
	require.NoError(t, err)
	turns[1].Content = "mutated"

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "keep", again[1].Content)
}

func TestSQLiteBackend_RoundTripAndReplace(t *testing.T) {
	ctx := context.Background()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "db", "conversations.db"))
	require.NoError(t, err)
	b, err := NewSQLiteBackend(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, ok, err := b.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	s, err := NewStore(b, StoreOptions{MaxHistory: 2, Prompts: testPrompts})
	require.NoError(t, err)
	id := Identity{UserID: 1}
	require.NoError(t, s.Append(ctx, id, NewUserTurn("a"), NewAssistantTurn("b"), NewUserTurn("c")))

	turns, ok, err := b.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, turns, 3)
	require.Equal(t, RoleSystem, turns[0].Role)
	require.Equal(t, []string{"b", "c"}, contents(turns[1:]))
	require.False(t, turns[1].CreatedAt.IsZero())

	require.NoError(t, s.Reset(ctx, id))
	turns, _, err = b.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	require.NoError(t, s.Append(ctx, Identity{UserID: 2}, NewUserTurn("z")))
	ids, err := s.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)

	require.NoError(t, s.Purge(ctx, 1))
	_, ok, err = b.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Assistant ")
	require.NoError(t, err)
	require.Equal(t, RoleAssistant, r)

	_, err = ParseRole("tool")
	require.Error(t, err)
}

func TestRedisKeyHelpers(t *testing.T) {
	b := &RedisBackend{prefix: "p:"}
	require.Equal(t, "p:12", b.key(12))
	id, ok := b.userIDFromKey("p:-5")
	require.True(t, ok)
	require.Equal(t, int64(-5), id)
	_, ok = b.userIDFromKey("other:5")
	require.False(t, ok)

	vals, err := encodeTurns([]Turn{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}})
	require.NoError(t, err)
	raw := make([]string, 0, len(vals))
	for _, v := range vals {
		raw = append(raw, v.(string))
	}
	turns, err := decodeTurns(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"s", "u"}, contents(turns))
	require.Equal(t, RoleUser, turns[1].Role)
}

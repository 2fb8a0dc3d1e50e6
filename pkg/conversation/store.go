package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrStoreInvariantViolation is returned when a backend hands back a sequence whose
// first turn is not a system turn. Truncation on every append keeps this from happening
// with well-behaved backends.
var ErrStoreInvariantViolation = errors.New("conversation: store invariant violation")

// Backend persists whole conversations keyed by user id.
type Backend interface {
	// Load returns the stored turns. ok is false when nothing is stored for userID.
	Load(ctx context.Context, userID int64) (turns []Turn, ok bool, err error)
	// Save replaces the stored sequence for userID.
	Save(ctx context.Context, userID int64, turns []Turn) error
	Delete(ctx context.Context, userID int64) error
	Keys(ctx context.Context) ([]int64, error)
	Close() error
}

type StoreOptions struct {
	// MaxHistory is the number of turns kept beyond the system turn.
	MaxHistory int
	Prompts    SystemPrompts
}

const DefaultMaxHistory = 30

// Store owns the bounded per-user conversations. It is constructed once at startup and
// passed to every handler. Calls for different users never contend on the same lock;
// calls for the same user are serialized by a per-user mutex so one append never loses
// another, but ordering across messages is the caller's job (see bot.KeyedQueue).
type Store struct {
	backend    Backend
	maxHistory int
	prompts    SystemPrompts

	mu    sync.Mutex
	locks map[int64]*userLock
}

// userLock is dropped from Store.locks once refs reaches zero.
type userLock struct {
	sync.Mutex
	refs int
}

func NewStore(backend Backend, opts StoreOptions) (*Store, error) {
	if backend == nil {
		return nil, errors.New("conversation: nil backend")
	}
	return &Store{
		backend:    backend,
		maxHistory: opts.MaxHistory,
		prompts:    opts.Prompts,
		locks:      map[int64]*userLock{},
	}, nil
}

func (s *Store) MaxHistory() int { return s.maxHistory }

func (s *Store) Prompts() SystemPrompts { return s.prompts }

// lock serializes calls for userID and returns the matching unlock.
func (s *Store) lock(userID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// loadLocked returns the stored conversation or a fresh one holding only the system turn.
func (s *Store) loadLocked(ctx context.Context, id Identity) ([]Turn, bool, error) {
	turns, ok, err := s.backend.Load(ctx, id.UserID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "conversation: load user %d", id.UserID)
	}
	if !ok || len(turns) == 0 {
		return []Turn{NewSystemTurn(s.prompts.For(id.Owner))}, false, nil
	}
	if turns[0].Role != RoleSystem {
		return nil, false, errors.Wrapf(ErrStoreInvariantViolation, "user %d: first turn has role %q", id.UserID, turns[0].Role)
	}
	return turns, true, nil
}

// Append adds turns to the end of the conversation, creating it when absent, then applies
// Truncate. All turns are written with a single backend save.
func (s *Store) Append(ctx context.Context, id Identity, turns ...Turn) error {
	defer s.lock(id.UserID)()

	current, _, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	next := make([]Turn, 0, len(current)+len(turns))
	next = append(next, current...)
	next = append(next, turns...)
	next = Truncate(next, s.maxHistory)

	if err := s.backend.Save(ctx, id.UserID, next); err != nil {
		return errors.Wrapf(err, "conversation: save user %d", id.UserID)
	}
	log.Debug().Int64("user_id", id.UserID).Int("appended", len(turns)).Int("len", len(next)).Msg("conversation appended")
	return nil
}

// Get returns a copy of the full conversation. A missing conversation is created with the
// system turn, mirroring Append.
func (s *Store) Get(ctx context.Context, id Identity) ([]Turn, error) {
	defer s.lock(id.UserID)()

	turns, existed, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if !existed {
		if err := s.backend.Save(ctx, id.UserID, turns); err != nil {
			return nil, errors.Wrapf(err, "conversation: save user %d", id.UserID)
		}
	}
	return Clone(turns), nil
}

// Lookup returns a copy of the stored conversation without creating one. ok is false
// when nothing is stored for userID.
func (s *Store) Lookup(ctx context.Context, userID int64) ([]Turn, bool, error) {
	defer s.lock(userID)()

	turns, ok, err := s.backend.Load(ctx, userID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "conversation: load user %d", userID)
	}
	if !ok || len(turns) == 0 {
		return nil, false, nil
	}
	if turns[0].Role != RoleSystem {
		return nil, false, errors.Wrapf(ErrStoreInvariantViolation, "user %d: first turn has role %q", userID, turns[0].Role)
	}
	return Clone(turns), true, nil
}

// Reset replaces the conversation with a single fresh system turn.
func (s *Store) Reset(ctx context.Context, id Identity) error {
	defer s.lock(id.UserID)()

	if err := s.backend.Save(ctx, id.UserID, []Turn{NewSystemTurn(s.prompts.For(id.Owner))}); err != nil {
		return errors.Wrapf(err, "conversation: reset user %d", id.UserID)
	}
	log.Debug().Int64("user_id", id.UserID).Bool("owner", id.Owner).Msg("conversation reset")
	return nil
}

// Purge deletes the conversation of one user.
func (s *Store) Purge(ctx context.Context, userID int64) error {
	defer s.lock(userID)()
	if err := s.backend.Delete(ctx, userID); err != nil {
		return errors.Wrapf(err, "conversation: purge user %d", userID)
	}
	return nil
}

// PurgeAll deletes every stored conversation and returns how many were removed.
func (s *Store) PurgeAll(ctx context.Context) (int, error) {
	ids, err := s.Users(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.Purge(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Users lists the user ids with a stored conversation, sorted ascending.
func (s *Store) Users(ctx context.Context) ([]int64, error) {
	ids, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "conversation: list users")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

package bot

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/telechat/pkg/conversation"
)

type UserStats struct {
	Messages      int
	Failures      int
	Continuations int
	Tokens        int
	FirstSeen     time.Time
	LastSeen      time.Time
}

type Totals struct {
	Users         int
	Messages      int
	Failures      int
	Continuations int
	Tokens        int
	Started       time.Time
}

func (t Totals) Uptime(now time.Time) time.Duration { return now.Sub(t.Started) }

// Stats keeps in-process usage counters. They reset on restart.
type Stats struct {
	now func() time.Time

	mu      sync.Mutex
	started time.Time
	users   map[int64]*UserStats
	totals  Totals
}

func NewStats() *Stats {
	return newStatsAt(time.Now)
}

func newStatsAt(now func() time.Time) *Stats {
	return &Stats{now: now, started: now(), users: map[int64]*UserStats{}}
}

func (s *Stats) userLocked(userID int64) *UserStats {
	u, ok := s.users[userID]
	if !ok {
		t := s.now()
		u = &UserStats{FirstSeen: t}
		s.users[userID] = u
	}
	u.LastSeen = s.now()
	return u
}

func (s *Stats) RecordAnswer(userID int64, continuations, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.userLocked(userID)
	u.Messages++
	u.Continuations += continuations
	u.Tokens += tokens
	s.totals.Messages++
	s.totals.Continuations += continuations
	s.totals.Tokens += tokens
}

func (s *Stats) RecordFailure(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userLocked(userID).Failures++
	s.totals.Failures++
}

// User returns a copy of the counters for userID; ok is false for unseen users.
func (s *Stats) User(userID int64) (UserStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return UserStats{}, false
	}
	return *u, true
}

func (s *Stats) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.totals
	t.Users = len(s.users)
	t.Started = s.started
	return t
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens approximates the prompt size of turns with cl100k_base. When the
// encoding is unavailable it falls back to four bytes per token.
func EstimateTokens(turns []conversation.Turn) int {
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("token encoding unavailable, estimating by size")
		}
	})
	n := 0
	for _, t := range turns {
		if enc != nil {
			n += len(enc.Encode(t.Content, nil, nil))
		} else {
			n += (len(t.Content) + 3) / 4
		}
		// role and message framing
		n += 4
	}
	return n
}

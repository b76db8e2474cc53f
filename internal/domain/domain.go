package domain

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a session. It only moves forward:
// CREATED -> RUNNING -> ENDED.
type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StateEnded   State = "ENDED"
)

// Session represents a speedrun session.
type Session struct {
	SessionID string
	Mode      Mode
	State     State
	OwnerID   string
	Duration  time.Duration
	CreatedAt time.Time
	StartedAt time.Time
	EndAt     time.Time
	EndedAt   time.Time
	Players   []string
}

// Remaining returns the time left before the session's logical end.
func (s *Session) Remaining(now time.Time) time.Duration {
	switch s.State {
	case StateCreated:
		return s.Duration
	case StateRunning:
		if r := s.EndAt.Sub(now); r > 0 {
			return r
		}
	}
	return 0
}

// SessionState is the live view of a session returned to a caller.
type SessionState struct {
	SessionID   string
	State       State
	Remaining   time.Duration
	PlayerCount int64
	Joined      bool
}

// Player represents a user's score state within a session.
type Player struct {
	SessionID   string
	UserID      string
	Score       int64
	SolvedCount int64
	Solved      []string
	JoinedAt    time.Time
	Active      bool
	Rank        int64
}

// Leaderboard represents a list of users and their scores within one scope.
// The list is sorted by score in descending order.
type Leaderboard struct {
	Scope   string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID string
	Score  int64
	Rank   int64
}

// Window is a ranking scope.
type Window string

const (
	WindowSession Window = "SESSION"
	WindowGlobal  Window = "GLOBAL"
	WindowWeekly  Window = "WEEKLY"
	WindowMonthly Window = "MONTHLY"
)

// RankingWindows are the windows backed by long-lived sorted sets.
var RankingWindows = []Window{WindowGlobal, WindowWeekly, WindowMonthly}

// ParseWindow accepts the lower case names used on the wire.
func ParseWindow(s string) (Window, bool) {
	w := Window(strings.ToUpper(strings.TrimSpace(s)))
	switch w {
	case WindowGlobal, WindowWeekly, WindowMonthly:
		return w, true
	}
	return "", false
}

// Key is the lower case name used in storage keys.
func (w Window) Key() string {
	return strings.ToLower(string(w))
}

// DefaultLabel names the archive of a window rolled over at t.
func (w Window) DefaultLabel(t time.Time) string {
	switch w {
	case WindowWeekly:
		y, wk := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, wk)
	case WindowMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// Rollover is the outcome of archiving a ranking window.
type Rollover struct {
	Window     Window
	Label      string
	ArchiveKey string
	Entries    int64
}

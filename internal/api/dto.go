package api

import (
	"strings"
	"time"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
)

type (
	ErrorResponse struct {
		Error *errors.Error `json:"error"`
	}

	Session struct {
		SessionID       string     `json:"session_id"`
		Mode            string     `json:"mode"`
		State           string     `json:"state"`
		OwnerID         string     `json:"owner_id"`
		DurationSeconds int64      `json:"duration_seconds"`
		CreatedAt       time.Time  `json:"created_at"`
		StartedAt       *time.Time `json:"started_at,omitempty"`
		EndAt           *time.Time `json:"end_at,omitempty"`
		EndedAt         *time.Time `json:"ended_at,omitempty"`
		Players         []string   `json:"players"`
	}

	SessionState struct {
		SessionID        string `json:"session_id"`
		State            string `json:"state"`
		RemainingSeconds int64  `json:"remaining_seconds"`
		PlayerCount      int64  `json:"player_count"`
		Joined           bool   `json:"joined"`
	}

	SubmitResult struct {
		Awarded     int64 `json:"awarded"`
		Score       int64 `json:"score"`
		SolvedCount int64 `json:"solved_count"`
	}

	Player struct {
		SessionID   string    `json:"session_id"`
		UserID      string    `json:"user_id"`
		Score       int64     `json:"score"`
		SolvedCount int64     `json:"solved_count"`
		Solved      []string  `json:"solved"`
		JoinedAt    time.Time `json:"joined_at"`
		Active      bool      `json:"active"`
		Rank        int64     `json:"rank,omitempty"`
	}

	Leaderboard struct {
		Scope   string             `json:"scope"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserID string `json:"user_id"`
		Score  int64  `json:"score"`
		Rank   int64  `json:"rank"`
	}

	MyRanking struct {
		Window string `json:"window"`
		UserID string `json:"user_id"`
		Score  int64  `json:"score"`
		Rank   int64  `json:"rank"`
	}

	Rollover struct {
		Window  string `json:"window"`
		Label   string `json:"label"`
		Entries int64  `json:"entries"`
	}
)

func toSession(ss *domain.Session) Session {
	players := ss.Players
	if players == nil {
		players = []string{}
	}

	return Session{
		SessionID:       ss.SessionID,
		Mode:            strings.ToLower(string(ss.Mode)),
		State:           string(ss.State),
		OwnerID:         ss.OwnerID,
		DurationSeconds: int64(ss.Duration.Seconds()),
		CreatedAt:       ss.CreatedAt,
		StartedAt:       optionalTime(ss.StartedAt),
		EndAt:           optionalTime(ss.EndAt),
		EndedAt:         optionalTime(ss.EndedAt),
		Players:         players,
	}
}

func toSessionState(st *domain.SessionState) SessionState {
	return SessionState{
		SessionID:        st.SessionID,
		State:            string(st.State),
		RemainingSeconds: int64(st.Remaining.Seconds()),
		PlayerCount:      st.PlayerCount,
		Joined:           st.Joined,
	}
}

func toPlayer(pl *domain.Player) Player {
	solved := pl.Solved
	if solved == nil {
		solved = []string{}
	}

	return Player{
		SessionID:   pl.SessionID,
		UserID:      pl.UserID,
		Score:       pl.Score,
		SolvedCount: pl.SolvedCount,
		Solved:      solved,
		JoinedAt:    pl.JoinedAt,
		Active:      pl.Active,
		Rank:        pl.Rank,
	}
}

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	out := Leaderboard{
		Scope:   l.Scope,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		out.Entries = append(out.Entries, LeaderboardEntry{
			UserID: e.UserID,
			Score:  e.Score,
			Rank:   e.Rank,
		})
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package domain

import (
	"strings"
	"time"
)

// Mode is a game mode. The set of modes is closed; each one is a named
// configuration consumed by the same coordination engine.
type Mode string

const (
	ModeClassic  Mode = "CLASSIC"
	ModeTagFocus Mode = "TAGFOCUS"
	ModeRetry    Mode = "RETRY"
)

// ProblemSelection names how problems are picked for a mode. Picking is done
// outside this service.
type ProblemSelection string

const (
	SelectRandom      ProblemSelection = "random"
	SelectByTag       ProblemSelection = "tag"
	SelectPastFailure ProblemSelection = "past-failure"
)

// ScoringRule turns the points claimed by a submission into awarded points.
type ScoringRule string

const (
	ScoreAsClaimed ScoringRule = "as-claimed"
)

func (r ScoringRule) Award(points int64) int64 {
	if r == ScoreAsClaimed {
		return points
	}
	return 0
}

type ModeConfig struct {
	Mode            Mode
	Selection       ProblemSelection
	Scoring         ScoringRule
	DefaultDuration time.Duration
	MinDuration     time.Duration
	MaxDuration     time.Duration
	MaxPlayers      int
}

// Modes holds the configuration of every supported mode.
var Modes = map[Mode]ModeConfig{
	ModeClassic: {
		Mode:            ModeClassic,
		Selection:       SelectRandom,
		Scoring:         ScoreAsClaimed,
		DefaultDuration: 10 * time.Minute,
		MinDuration:     time.Minute,
		MaxDuration:     2 * time.Hour,
		MaxPlayers:      100,
	},
	ModeTagFocus: {
		Mode:            ModeTagFocus,
		Selection:       SelectByTag,
		Scoring:         ScoreAsClaimed,
		DefaultDuration: 15 * time.Minute,
		MinDuration:     time.Minute,
		MaxDuration:     2 * time.Hour,
		MaxPlayers:      100,
	},
	ModeRetry: {
		Mode:            ModeRetry,
		Selection:       SelectPastFailure,
		Scoring:         ScoreAsClaimed,
		DefaultDuration: 30 * time.Minute,
		MinDuration:     time.Minute,
		MaxDuration:     4 * time.Hour,
		MaxPlayers:      1,
	},
}

// ParseMode accepts mode names in any case, e.g. "classic".
func ParseMode(s string) (ModeConfig, bool) {
	c, ok := Modes[Mode(strings.ToUpper(strings.TrimSpace(s)))]
	return c, ok
}

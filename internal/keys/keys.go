// Package keys derives every storage key used by the service. Writers and
// readers both go through Namespace so key shapes cannot drift apart.
package keys

import (
	"fmt"
	"strings"

	"github.com/victornm/speedrun/internal/domain"
)

const DefaultPrefix = "speed"

// Namespace builds keys under a common prefix.
//
// All keys of one session start with Session(id) and carry the session id as
// a Redis hash tag, so a session lives on a single cluster slot and can be
// scanned with SessionPattern. Ranking windows share the {ranking} tag so a
// window and its archives live on the same slot.
type Namespace struct {
	Prefix string
}

func New(prefix string) Namespace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namespace{Prefix: prefix}
}

func (n Namespace) Session(sessionID string) string {
	return fmt.Sprintf("%s:session:{%s}", n.Prefix, sessionID)
}

func (n Namespace) Players(sessionID string) string {
	return n.Session(sessionID) + ":players"
}

func (n Namespace) Player(sessionID, userID string) string {
	return n.Session(sessionID) + ":user:" + userID
}

func (n Namespace) Solved(sessionID, userID string) string {
	return n.Session(sessionID) + ":claims:" + userID
}

func (n Namespace) Leaderboard(sessionID string) string {
	return n.Session(sessionID) + ":lb"
}

func (n Namespace) LeaderboardPublished(sessionID string) string {
	return n.Session(sessionID) + ":published"
}

// SessionPattern matches every key belonging to the session.
func (n Namespace) SessionPattern(sessionID string) string {
	return n.Session(sessionID) + "*"
}

func (n Namespace) Ranking(w domain.Window) string {
	return fmt.Sprintf("%s:{ranking}:%s", n.Prefix, w.Key())
}

func (n Namespace) RankingArchive(w domain.Window, label string) string {
	return n.Ranking(w) + ":archive:" + label
}

// Penalty is owned by the anti-abuse system and is deliberately not prefixed.
func (Namespace) Penalty(userID string) string {
	return "user:penalty:" + userID
}

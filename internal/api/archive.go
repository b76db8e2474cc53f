package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/speedrun/internal/archive"
	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
)

const (
	defaultArchivePageSize = 20
	maxArchivePageSize     = 100
)

// Archive reads ended sessions back from the durable archive.
type Archive interface {
	FindBySessionID(ctx context.Context, sessionID string) (*archive.Record, bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]archive.Record, error)
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
	ListByMode(ctx context.Context, mode domain.Mode, page, size int) ([]archive.Record, error)
	ListEndedBetween(ctx context.Context, from, to time.Time) ([]archive.Record, error)
}

type (
	ArchivedSession struct {
		SessionID       string             `json:"session_id"`
		Mode            string             `json:"mode"`
		OwnerID         string             `json:"owner_id"`
		DurationSeconds int64              `json:"duration_seconds"`
		CreatedAt       time.Time          `json:"created_at"`
		StartedAt       *time.Time         `json:"started_at,omitempty"`
		EndedAt         time.Time          `json:"ended_at"`
		Standings       []LeaderboardEntry `json:"standings,omitempty"`
	}

	ArchivedSessions struct {
		Total    int64             `json:"total,omitempty"`
		Sessions []ArchivedSession `json:"sessions"`
	}
)

func (a *API) registerArchive(g *gin.RouterGroup) {
	ar := g.Group("/archive")
	ar.GET("/session/:id", a.getArchivedSession)
	ar.GET("/owner/:id", a.listArchivedByOwner)
	ar.GET("/mode/:mode", a.listArchivedByMode)
	ar.GET("/ended", a.listArchivedEndedBetween)
}

func (a *API) getArchivedSession(c *gin.Context) {
	rec, ok, err := a.archive.FindBySessionID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("archived session not found: session=%s", c.Param("id"))))
		return
	}

	c.JSON(http.StatusOK, toArchivedSession(*rec))
}

func (a *API) listArchivedByOwner(c *gin.Context) {
	ctx := c.Request.Context()
	owner := c.Param("id")

	recs, err := a.archive.ListByOwner(ctx, owner)
	if err != nil {
		writeError(c, err)
		return
	}

	n, err := a.archive.CountByOwner(ctx, owner)
	if err != nil {
		writeError(c, err)
		return
	}

	out := toArchivedSessions(recs)
	out.Total = n
	c.JSON(http.StatusOK, out)
}

func (a *API) listArchivedByMode(c *gin.Context) {
	mc, ok := domain.ParseMode(c.Param("mode"))
	if !ok {
		writeError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("unknown mode: %s", c.Param("mode"))))
		return
	}

	page, ok := queryInt(c, "page", 0, 0, -1)
	if !ok {
		return
	}
	size, ok := queryInt(c, "size", defaultArchivePageSize, 1, maxArchivePageSize)
	if !ok {
		return
	}

	recs, err := a.archive.ListByMode(c.Request.Context(), mc.Mode, page, size)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toArchivedSessions(recs))
}

func (a *API) listArchivedEndedBetween(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("from must be an RFC 3339 time: %q", c.Query("from"))))
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil || !to.After(from) {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("to must be an RFC 3339 time after from: %q", c.Query("to"))))
		return
	}

	recs, err := a.archive.ListEndedBetween(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toArchivedSessions(recs))
}

// queryInt reads an integer query parameter in [lo, hi]; hi < 0 leaves it unbounded.
func queryInt(c *gin.Context, key string, def, lo, hi int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid %s: %s", key, s)))
		return 0, false
	}
	return n, true
}

func toArchivedSession(rec archive.Record) ArchivedSession {
	out := ArchivedSession{
		SessionID:       rec.SessionID,
		Mode:            strings.ToLower(string(rec.Mode)),
		OwnerID:         rec.OwnerID,
		DurationSeconds: int64(rec.Duration.Seconds()),
		CreatedAt:       rec.CreatedAt,
		StartedAt:       optionalTime(rec.StartedAt),
		EndedAt:         rec.EndedAt,
	}
	if len(rec.Standings) > 0 {
		out.Standings = toLeaderboard(domain.Leaderboard{Entries: rec.Standings}).Entries
	}
	return out
}

func toArchivedSessions(recs []archive.Record) ArchivedSessions {
	out := ArchivedSessions{Sessions: make([]ArchivedSession, 0, len(recs))}
	for _, rec := range recs {
		out.Sessions = append(out.Sessions, toArchivedSession(rec))
	}
	return out
}

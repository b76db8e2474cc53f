package api

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/logging"
	"github.com/victornm/speedrun/internal/ranking"
	"github.com/victornm/speedrun/internal/session"
	"github.com/victornm/speedrun/internal/submission"
)

const (
	HeaderUserID = "X-User-Id"

	defaultSessionLimit = 10
	defaultRankingLimit = 100

	ctxKeyUser = "user_id"
)

type Config struct {
	EventBus   *event.Bus
	Session    *session.Service
	Submission *submission.Engine
	Ranking    *ranking.Service
	// Archive serves the /archive routes; they are not mounted when nil.
	Archive      Archive
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ss *session.Service
	se *submission.Engine
	rs *ranking.Service

	archive Archive

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		ss:      c.Session,
		se:      c.Submission,
		rs:      c.Ranking,
		archive: c.Archive,
		redis:   c.Redis,
		prefix:  c.PubsubPrefix,
	}

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameSessionStarted, func(ctx context.Context, e event.Event) error {
		return a.PublishSessionStarted(ctx, e.(domain.EventSessionStarted))
	})
	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return a.PublishSessionEnded(ctx, e.(domain.EventSessionEnded))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

// Register mounts the HTTP API on r.
func (a *API) Register(r gin.IRouter) {
	g := r.Group("/api/speedrun")

	for m := range domain.Modes {
		mode := m
		g.POST("/"+strings.ToLower(string(mode))+"/session", requireUser, func(c *gin.Context) {
			a.createSession(c, mode)
		})
	}

	s := g.Group("/session/:id")
	s.GET("", a.getSession)
	s.GET("/state", requireUser, a.getSessionState)
	s.POST("/join", requireUser, a.joinSession)
	s.POST("/leave", requireUser, a.leaveSession)
	s.POST("/start", requireUser, a.startSession)
	s.POST("/end", requireUser, a.endSession)
	s.POST("/submit", requireUser, a.submit)
	s.GET("/my-status", requireUser, a.getMyStatus)
	s.GET("/leaderboard", a.getSessionLeaderboard)

	rk := g.Group("/ranking")
	rk.GET("/:window", a.getRanking)
	rk.POST("/:window/rollover", requireUser, a.rollover)
	rk.GET("/:window/archive/:label", a.getArchivedRanking)

	if a.archive != nil {
		a.registerArchive(g)
	}
}

type createSessionBody struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func (a *API) createSession(c *gin.Context, mode domain.Mode) {
	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil && !stderrors.Is(err, io.EOF) {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid body: %v", err), errors.WithCause(err)))
		return
	}

	ss, err := a.ss.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		Mode:            string(mode),
		DurationSeconds: body.DurationSeconds,
		OwnerID:         userID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) getSession(c *gin.Context) {
	ss, err := a.ss.GetSession(c.Request.Context(), session.GetSessionRequest{SessionID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) getSessionState(c *gin.Context) {
	st, err := a.ss.GetSessionState(c.Request.Context(), session.GetSessionStateRequest{
		SessionID: c.Param("id"),
		UserID:    userID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionState(st))
}

func (a *API) joinSession(c *gin.Context) {
	ss, err := a.ss.JoinSession(c.Request.Context(), session.JoinSessionRequest{SessionID: c.Param("id"), UserID: userID(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) leaveSession(c *gin.Context) {
	ss, err := a.ss.LeaveSession(c.Request.Context(), session.LeaveSessionRequest{SessionID: c.Param("id"), UserID: userID(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) startSession(c *gin.Context) {
	ss, err := a.ss.StartSession(c.Request.Context(), session.StartSessionRequest{SessionID: c.Param("id"), UserID: userID(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

func (a *API) endSession(c *gin.Context) {
	ss, err := a.ss.EndSession(c.Request.Context(), session.EndSessionRequest{SessionID: c.Param("id"), UserID: userID(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toSession(ss))
}

type submitBody struct {
	ProblemID string `json:"problem_id"`
	Points    int64  `json:"points"`
}

func (a *API) submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid body: %v", err), errors.WithCause(err)))
		return
	}

	resp, err := a.se.Submit(c.Request.Context(), submission.SubmitRequest{
		SessionID: c.Param("id"),
		UserID:    userID(c),
		ProblemID: body.ProblemID,
		Points:    body.Points,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitResult{
		Awarded:     resp.Awarded,
		Score:       resp.Score,
		SolvedCount: resp.SolvedCount,
	})
}

func (a *API) getMyStatus(c *gin.Context) {
	pl, err := a.ss.GetPlayerStatus(c.Request.Context(), session.GetPlayerStatusRequest{SessionID: c.Param("id"), UserID: userID(c)})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toPlayer(pl))
}

func (a *API) getSessionLeaderboard(c *gin.Context) {
	limit, ok := queryLimit(c, defaultSessionLimit)
	if !ok {
		return
	}

	l, err := a.rs.GetSessionLeaderboard(c.Request.Context(), ranking.GetSessionLeaderboardRequest{
		SessionID: c.Param("id"),
		Limit:     limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

// getRanking serves both the window tops and the caller's own entry under
// /ranking/my.
func (a *API) getRanking(c *gin.Context) {
	if c.Param("window") == "my" {
		a.getMyRanking(c)
		return
	}

	w, ok := pathWindow(c)
	if !ok {
		return
	}

	limit, ok := queryLimit(c, defaultRankingLimit)
	if !ok {
		return
	}

	l, err := a.rs.GetRanking(c.Request.Context(), ranking.GetRankingRequest{Window: w, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

func (a *API) getMyRanking(c *gin.Context) {
	requireUser(c)
	if c.IsAborted() {
		return
	}

	w, ok := domain.ParseWindow(c.DefaultQuery("type", "global"))
	if !ok {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown ranking type: %s", c.Query("type"))))
		return
	}

	e, err := a.rs.GetMyRanking(c.Request.Context(), ranking.GetMyRankingRequest{UserID: userID(c), Window: w})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, MyRanking{
		Window: strings.ToLower(string(w)),
		UserID: e.UserID,
		Score:  e.Score,
		Rank:   e.Rank,
	})
}

func (a *API) rollover(c *gin.Context) {
	w, ok := pathWindow(c)
	if !ok {
		return
	}

	r, err := a.rs.Rollover(c.Request.Context(), ranking.RolloverRequest{Window: w, Label: c.Query("label")})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, Rollover{
		Window:  strings.ToLower(string(r.Window)),
		Label:   r.Label,
		Entries: r.Entries,
	})
}

func (a *API) getArchivedRanking(c *gin.Context) {
	w, ok := pathWindow(c)
	if !ok {
		return
	}

	limit, ok := queryLimit(c, defaultRankingLimit)
	if !ok {
		return
	}

	l, err := a.rs.GetArchivedRanking(c.Request.Context(), ranking.GetArchivedRankingRequest{
		Window: w,
		Label:  c.Param("label"),
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

// requireUser rejects requests without a caller identity.
func requireUser(c *gin.Context) {
	u := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if u == "" {
		writeError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing %s header", HeaderUserID)))
		return
	}

	c.Set(ctxKeyUser, u)
}

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUser)
}

func pathWindow(c *gin.Context) (domain.Window, bool) {
	w, ok := domain.ParseWindow(c.Param("window"))
	if !ok {
		writeError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("unknown ranking window: %s", c.Param("window"))))
	}
	return w, ok
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return def, true
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("limit must be a number: %s", s)))
		return 0, false
	}
	return n, true
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)

	switch e.Code {
	case errors.CodeInternal, errors.CodeUnavailable:
		logging.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{Error: e})
}

package submission

import (
	"context"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/logging"
	"github.com/victornm/speedrun/internal/store"
	"github.com/victornm/speedrun/internal/telemetry"
)

type Config struct {
	Store    *store.Store
	EventBus *event.Bus
	Now      func() time.Time
}

// Engine credits solved problems to players of running sessions.
type Engine struct {
	st       *store.Store
	eb       *event.Bus
	now      func() time.Time
	validate *validator.Validate
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		st:       c.Store,
		eb:       c.EventBus,
		now:      c.Now,
		validate: validator.New(),
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type SubmitRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required"`
	ProblemID string `validate:"required,max=128"`
	Points    int64  `validate:"gte=0,lte=1000000"`
}

type SubmitResponse struct {
	Awarded     int64
	Score       int64
	SolvedCount int64
}

// Submit credits a problem to a player. The state check, the membership
// check, the duplicate check and the score update happen in one atomic step;
// a rejected submission leaves no trace.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("validation failed: %v", err),
			errors.WithCause(err),
		)
	}

	ss, ok, err := e.st.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessionNotFound(req.SessionID)
	}

	mc, ok := domain.Modes[ss.Mode]
	if !ok {
		return nil, errors.Internal(crerr.Newf("session %s has unknown mode %q", req.SessionID, ss.Mode))
	}
	awarded := mc.Scoring.Award(req.Points)

	now := e.now()
	began := time.Now()
	res, err := e.st.Submit(ctx, store.SubmitArgs{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		Points:    awarded,
		Now:       now,
	})
	if err != nil {
		telemetry.ObserveSubmission(string(ss.Mode), "error", time.Since(began))
		return nil, err
	}
	telemetry.ObserveSubmission(string(ss.Mode), res.Outcome.String(), time.Since(began))

	switch res.Outcome {
	case store.OutcomeOK:
	case store.OutcomeNotFound:
		return nil, sessionNotFound(req.SessionID)
	case store.OutcomeWrongState:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is not running: session=%s", req.SessionID))
	case store.OutcomeEnded:
		e.publishEnded(ctx, ss)
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session has ended: session=%s", req.SessionID))
	case store.OutcomeNotMember:
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user is not in session: session=%s, user=%s", req.SessionID, req.UserID))
	case store.OutcomeDuplicate:
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("problem already solved: session=%s, user=%s, problem=%s", req.SessionID, req.UserID, req.ProblemID))
	default:
		return nil, errors.Internal(crerr.Newf("submit: unexpected outcome %s", res.Outcome))
	}

	e.eb.Publish(ctx, domain.EventScoreUpdated{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		ProblemID:   req.ProblemID,
		Awarded:     awarded,
		Score:       res.Score,
		SolvedCount: res.SolvedCount,
		UpdateTime:  now,
	})

	return &SubmitResponse{
		Awarded:     awarded,
		Score:       res.Score,
		SolvedCount: res.SolvedCount,
	}, nil
}

// publishEnded announces a session the submission script found past its end.
// The script performed the transition, so this caller owns the event.
func (e *Engine) publishEnded(ctx context.Context, ss domain.Session) {
	ss.State = domain.StateEnded
	ss.EndedAt = ss.EndAt

	snap, ok, err := e.st.Snapshot(ctx, ss.SessionID, "")
	if err != nil {
		logging.WarnContext(ctx, "submission: read ended session failed", "session", ss.SessionID, "error", err)
	} else if ok {
		ss.Players = snap.Players
	}

	logging.InfoContext(ctx, "session: ended", "session", ss.SessionID, "ended_at", ss.EndedAt)
	e.eb.Publish(ctx, domain.EventSessionEnded{Session: ss})
}

func sessionNotFound(id string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: session=%s", id))
}

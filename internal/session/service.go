package session

import (
	"context"
	"slices"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/logging"
	"github.com/victornm/speedrun/internal/store"
	"github.com/victornm/speedrun/internal/telemetry"
)

const DefaultTTL = 24 * time.Hour

type Config struct {
	Store    *store.Store
	EventBus *event.Bus
	// TTL of every session-scoped key, counted from creation.
	TTL time.Duration
	Now func() time.Time
}

type Service struct {
	st       *store.Store
	eb       *event.Bus
	ttl      time.Duration
	now      func() time.Time
	validate *validator.Validate
}

func NewService(c Config) *Service {
	s := &Service{
		st:       c.Store,
		eb:       c.EventBus,
		ttl:      c.TTL,
		now:      c.Now,
		validate: validator.New(),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateSessionRequest represents a request to create a new speedrun session.
type CreateSessionRequest struct {
	Mode string `validate:"required"`
	// DurationSeconds of zero picks the mode's default duration.
	DurationSeconds int64  `validate:"gte=0,lte=86400"`
	OwnerID         string `validate:"required,max=64,excludesall=:{}"`
}

// CreateSession allocates a new session in state CREATED with the owner joined.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	mc, ok := domain.ParseMode(req.Mode)
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown mode: %s", req.Mode))
	}

	if req.DurationSeconds > int64(mc.MaxDuration/time.Second) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("duration must be between %s and %s for mode %s", mc.MinDuration, mc.MaxDuration, mc.Mode))
	}

	d := time.Duration(req.DurationSeconds) * time.Second
	if d == 0 {
		d = mc.DefaultDuration
	}
	if d < mc.MinDuration || d > mc.MaxDuration {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("duration must be between %s and %s for mode %s", mc.MinDuration, mc.MaxDuration, mc.Mode))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(crerr.Wrap(err, "generate session ID"))
	}

	ss := &domain.Session{
		SessionID: id.String(),
		Mode:      mc.Mode,
		State:     domain.StateCreated,
		OwnerID:   req.OwnerID,
		Duration:  d,
		CreatedAt: s.now().Truncate(time.Millisecond),
		Players:   []string{req.OwnerID},
	}

	if err := s.st.CreateSession(ctx, *ss, s.ttl); err != nil {
		telemetry.ObserveLifecycle("create", "error")
		return nil, err
	}

	telemetry.ObserveLifecycle("create", "ok")
	logging.InfoContext(ctx, "session: created", "session", ss.SessionID, "mode", ss.Mode, "owner", ss.OwnerID)
	return ss, nil
}

type GetSessionRequest struct {
	SessionID string `validate:"required"`
}

// GetSession returns the session metadata with its current players.
func (s *Service) GetSession(ctx context.Context, req GetSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	snap, ok, err := s.st.Snapshot(ctx, req.SessionID, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessionNotFound(req.SessionID)
	}

	ss := snap.Session
	ss.Players = snap.Players
	slices.Sort(ss.Players)
	return &ss, nil
}

type JoinSessionRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required,max=64,excludesall=:{}"`
}

// JoinSession adds a user to a session that has not started yet. Joining
// twice is a no-op.
func (s *Service) JoinSession(ctx context.Context, req JoinSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	penalized, err := s.st.Penalized(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if penalized {
		telemetry.ObserveLifecycle("join", "penalized")
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user is penalized: user=%s", req.UserID))
	}

	snap, ok, err := s.st.Snapshot(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessionNotFound(req.SessionID)
	}

	mc, ok := domain.Modes[snap.Session.Mode]
	if !ok {
		return nil, errors.Internal(crerr.Newf("session %s has unknown mode %q", req.SessionID, snap.Session.Mode))
	}

	out, err := s.st.Join(ctx, req.SessionID, req.UserID, s.now(), mc.MaxPlayers)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveLifecycle("join", out.String())

	switch out {
	case store.OutcomeOK, store.OutcomeNoop:
	case store.OutcomeNotFound:
		return nil, sessionNotFound(req.SessionID)
	case store.OutcomeWrongState:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session has already started: session=%s", req.SessionID))
	case store.OutcomeFull:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is full: session=%s, max_players=%d", req.SessionID, mc.MaxPlayers))
	default:
		return nil, unexpected("join", out)
	}

	return s.GetSession(ctx, GetSessionRequest{SessionID: req.SessionID})
}

type LeaveSessionRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required"`
}

// LeaveSession removes a user from the player set. Points already credited
// stay on the leaderboard.
func (s *Service) LeaveSession(ctx context.Context, req LeaveSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	out, err := s.st.Leave(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveLifecycle("leave", out.String())

	switch out {
	case store.OutcomeOK:
	case store.OutcomeNotFound:
		return nil, sessionNotFound(req.SessionID)
	case store.OutcomeNotMember:
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user is not in session: session=%s, user=%s", req.SessionID, req.UserID))
	default:
		return nil, unexpected("leave", out)
	}

	return s.GetSession(ctx, GetSessionRequest{SessionID: req.SessionID})
}

type StartSessionRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required"`
}

// StartSession moves the session to RUNNING. Only the owner can start it.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	ss, out, err := s.st.Start(ctx, req.SessionID, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	telemetry.ObserveLifecycle("start", out.String())

	switch out {
	case store.OutcomeOK:
	case store.OutcomeNotFound:
		return nil, sessionNotFound(req.SessionID)
	case store.OutcomeNotOwner:
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the owner can start the session: session=%s", req.SessionID))
	case store.OutcomeWrongState:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session cannot be started in state %s: session=%s", ss.State, req.SessionID))
	case store.OutcomeConcurrent:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session changed concurrently: session=%s", req.SessionID))
	default:
		return nil, unexpected("start", out)
	}

	logging.InfoContext(ctx, "session: started", "session", ss.SessionID, "end_at", ss.EndAt)
	s.eb.Publish(ctx, domain.EventSessionStarted{Session: ss})

	return s.GetSession(ctx, GetSessionRequest{SessionID: req.SessionID})
}

type EndSessionRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required"`
}

// EndSession ends a running session before its time is up. Only the owner
// can end it.
func (s *Service) EndSession(ctx context.Context, req EndSessionRequest) (*domain.Session, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	out, err := s.st.End(ctx, req.SessionID, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	telemetry.ObserveLifecycle("end", out.String())

	switch out {
	case store.OutcomeOK:
	case store.OutcomeNotFound:
		return nil, sessionNotFound(req.SessionID)
	case store.OutcomeNotOwner:
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the owner can end the session: session=%s", req.SessionID))
	case store.OutcomeWrongState:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is not running: session=%s", req.SessionID))
	default:
		return nil, unexpected("end", out)
	}

	ss, err := s.GetSession(ctx, GetSessionRequest{SessionID: req.SessionID})
	if err != nil {
		return nil, err
	}

	s.publishEnded(ctx, *ss)
	return ss, nil
}

type GetSessionStateRequest struct {
	SessionID string `validate:"required"`
	UserID    string
}

// GetSessionState returns the live state of a session. A running session
// whose time is up is moved to ENDED here; there is no background sweeper.
func (s *Service) GetSessionState(ctx context.Context, req GetSessionStateRequest) (*domain.SessionState, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	snap, ok, err := s.st.Snapshot(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessionNotFound(req.SessionID)
	}

	now := s.now()
	ss := snap.Session
	if ss.State == domain.StateRunning && ss.Remaining(now) <= 0 {
		out, err := s.st.Expire(ctx, req.SessionID, now)
		if err != nil {
			return nil, err
		}

		switch out {
		case store.OutcomeOK:
			ss.State = domain.StateEnded
			ss.EndedAt = ss.EndAt
			ss.Players = snap.Players
			s.publishEnded(ctx, ss)
		case store.OutcomeWrongState:
			// Someone else ended it between the read and the script.
			ss.State = domain.StateEnded
		case store.OutcomeNotFound:
			return nil, sessionNotFound(req.SessionID)
		}
	}

	return &domain.SessionState{
		SessionID:   ss.SessionID,
		State:       ss.State,
		Remaining:   ss.Remaining(now),
		PlayerCount: snap.PlayerCount,
		Joined:      snap.Joined,
	}, nil
}

type GetPlayerStatusRequest struct {
	SessionID string `validate:"required"`
	UserID    string `validate:"required"`
}

// GetPlayerStatus returns a user's score state within a session.
func (s *Service) GetPlayerStatus(ctx context.Context, req GetPlayerStatusRequest) (*domain.Player, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	pl, ok, err := s.st.Player(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user has no state in session: session=%s, user=%s", req.SessionID, req.UserID))
	}

	slices.Sort(pl.Solved)
	return &pl, nil
}

type FlagPenaltyRequest struct {
	UserID string `validate:"required"`
	Reason string `validate:"max=256"`
	// TTL of zero keeps the flag until it is cleared.
	TTL time.Duration `validate:"gte=0"`
}

// FlagPenalty marks a user as penalized; penalized users cannot join sessions.
func (s *Service) FlagPenalty(ctx context.Context, req FlagPenaltyRequest) error {
	if err := s.validateRequest(req); err != nil {
		return err
	}
	return s.st.SetPenalty(ctx, req.UserID, req.Reason, req.TTL)
}

func (s *Service) ClearPenalty(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user is required"))
	}
	return s.st.ClearPenalty(ctx, userID)
}

func (s *Service) publishEnded(ctx context.Context, ss domain.Session) {
	logging.InfoContext(ctx, "session: ended", "session", ss.SessionID, "ended_at", ss.EndedAt)
	s.eb.Publish(ctx, domain.EventSessionEnded{Session: ss})
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("validation failed: %v", err),
			errors.WithCause(err),
		)
	}
	return nil
}

func sessionNotFound(id string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: session=%s", id))
}

func unexpected(op string, out store.Outcome) error {
	return errors.Internal(crerr.Newf("%s: unexpected outcome %s", op, out))
}

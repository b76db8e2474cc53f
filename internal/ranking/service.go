package ranking

import (
	"context"
	"fmt"
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

const (
	DefaultMaxLimit        = 100
	DefaultPublishInterval = 200 * time.Millisecond
)

type Config struct {
	Store    *store.Store
	EventBus *event.Bus
	// MaxLimit caps the number of entries a single read may ask for.
	MaxLimit int
	// PublishInterval is the minimum time between two leaderboard.updated
	// events of the same session.
	PublishInterval time.Duration
	// ArchiveRetention is how long a rolled over window is kept. Zero keeps it forever.
	ArchiveRetention time.Duration
	// RetainAfterEnd shortens the expiry of an ended session's keys once it
	// has been folded. Zero leaves the creation TTL alone.
	RetainAfterEnd time.Duration
	Now            func() time.Time
}

type Service struct {
	st               *store.Store
	eb               *event.Bus
	maxLimit         int
	publishInterval  time.Duration
	archiveRetention time.Duration
	retainAfterEnd   time.Duration
	now              func() time.Time
	validate         *validator.Validate
}

func NewService(c Config) *Service {
	s := &Service{
		st:               c.Store,
		eb:               c.EventBus,
		maxLimit:         c.MaxLimit,
		publishInterval:  c.PublishInterval,
		archiveRetention: c.ArchiveRetention,
		retainAfterEnd:   c.RetainAfterEnd,
		now:              c.Now,
		validate:         validator.New(),
	}
	if s.maxLimit <= 0 {
		s.maxLimit = DefaultMaxLimit
	}
	if s.publishInterval <= 0 {
		s.publishInterval = DefaultPublishInterval
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventScoreUpdated)
		if err := s.CreditScore(ctx, ev.SessionID, ev.UserID); err != nil {
			logging.WarnContext(ctx, "ranking: credit score failed, left for the session fold",
				"session", ev.SessionID, "user", ev.UserID, "error", err)
		}
		return s.schedulePublishLeaderboard(ctx, ev)
	})
	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		_, err := s.FoldSession(ctx, e.(domain.EventSessionEnded).Session.SessionID)
		return err
	})

	return s
}

type GetSessionLeaderboardRequest struct {
	SessionID string `validate:"required"`
	Limit     int
}

// GetSessionLeaderboard returns the top of a session leaderboard, highest score first.
func (s *Service) GetSessionLeaderboard(ctx context.Context, req GetSessionLeaderboardRequest) (*domain.Leaderboard, error) {
	if err := s.validateRequest(req, req.Limit); err != nil {
		return nil, err
	}

	exists, err := s.st.SessionExists(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: session=%s", req.SessionID))
	}

	entries, err := s.st.SessionLeaderboard(ctx, req.SessionID, req.Limit)
	if err != nil {
		return nil, err
	}

	return &domain.Leaderboard{
		Scope:   req.SessionID,
		Entries: entries,
	}, nil
}

type GetRankingRequest struct {
	Window domain.Window `validate:"required"`
	Limit  int
}

// GetRanking returns the top of a ranking window.
func (s *Service) GetRanking(ctx context.Context, req GetRankingRequest) (*domain.Leaderboard, error) {
	if err := s.validateRequest(req, req.Limit); err != nil {
		return nil, err
	}
	if err := checkWindow(req.Window); err != nil {
		return nil, err
	}

	entries, err := s.st.Ranking(ctx, req.Window, req.Limit)
	if err != nil {
		return nil, err
	}

	return &domain.Leaderboard{
		Scope:   string(req.Window),
		Entries: entries,
	}, nil
}

type GetMyRankingRequest struct {
	UserID string        `validate:"required"`
	Window domain.Window `validate:"required"`
}

// GetMyRanking returns a user's score and 1-based rank in a window.
func (s *Service) GetMyRanking(ctx context.Context, req GetMyRankingRequest) (*domain.LeaderboardEntry, error) {
	if err := s.validateRequest(req, 1); err != nil {
		return nil, err
	}
	if err := checkWindow(req.Window); err != nil {
		return nil, err
	}

	e, ok, err := s.st.RankingEntry(ctx, req.Window, req.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user has no ranking entry: window=%s, user=%s", req.Window, req.UserID))
	}

	return &e, nil
}

type RolloverRequest struct {
	Window domain.Window `validate:"required"`
	// Label names the archive; empty picks the window's default label for now.
	Label string `validate:"max=64,excludesall=:{}*"`
}

// Rollover archives a ranking window and starts it over. It is driven by an
// external scheduler at period boundaries.
func (s *Service) Rollover(ctx context.Context, req RolloverRequest) (*domain.Rollover, error) {
	if err := s.validateRequest(req, 1); err != nil {
		return nil, err
	}
	if err := checkWindow(req.Window); err != nil {
		return nil, err
	}

	label := req.Label
	if label == "" {
		label = req.Window.DefaultLabel(s.now())
	}

	out, n, err := s.st.Rollover(ctx, req.Window, label, s.archiveRetention)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveLifecycle("rollover", out.String())

	switch out {
	case store.OutcomeOK, store.OutcomeNoop:
	case store.OutcomeArchiveExists:
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("archive already exists: window=%s, label=%s", req.Window, label))
	default:
		return nil, errors.Internal(crerr.Newf("rollover: unexpected outcome %s", out))
	}

	logging.InfoContext(ctx, "ranking: rolled over", "window", req.Window, "label", label, "entries", n)
	return &domain.Rollover{
		Window:     req.Window,
		Label:      label,
		ArchiveKey: s.st.Keys().RankingArchive(req.Window, label),
		Entries:    n,
	}, nil
}

type GetArchivedRankingRequest struct {
	Window domain.Window `validate:"required"`
	Label  string        `validate:"required"`
	Limit  int
}

func (s *Service) GetArchivedRanking(ctx context.Context, req GetArchivedRankingRequest) (*domain.Leaderboard, error) {
	if err := s.validateRequest(req, req.Limit); err != nil {
		return nil, err
	}
	if err := checkWindow(req.Window); err != nil {
		return nil, err
	}

	entries, ok, err := s.st.ArchivedRanking(ctx, req.Window, req.Label, req.Limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("archive not found: window=%s, label=%s", req.Window, req.Label))
	}

	return &domain.Leaderboard{
		Scope:   fmt.Sprintf("%s:%s", req.Window, req.Label),
		Entries: entries,
	}, nil
}

// CreditScore moves the points a player has earned in a session since the
// last credit into every ranking window.
func (s *Service) CreditScore(ctx context.Context, sessionID, userID string) error {
	n, err := s.st.CreditRankings(ctx, sessionID, userID)
	if err != nil {
		return crerr.Wrapf(err, "credit score: session=%s, user=%s", sessionID, userID)
	}
	if n > 0 {
		telemetry.ObserveRankingCredit(n)
	}
	return nil
}

// FoldSession credits whatever is still unranked in an ended session and
// marks the session ranked. Only the first successful fold reports true.
func (s *Service) FoldSession(ctx context.Context, sessionID string) (bool, error) {
	folded, standings, err := s.st.FoldIntoRankings(ctx, sessionID)
	if err != nil {
		return false, crerr.Wrapf(err, "fold session %s", sessionID)
	}
	if !folded {
		return false, nil
	}

	telemetry.ObserveRankingFold()
	logging.InfoContext(ctx, "ranking: session folded", "session", sessionID, "players", len(standings))

	if s.retainAfterEnd > 0 {
		if _, err := s.st.ShortenSession(ctx, sessionID, s.retainAfterEnd); err != nil {
			logging.WarnContext(ctx, "ranking: shorten ended session failed", "session", sessionID, "error", err)
		}
	}

	return true, nil
}

// schedulePublishLeaderboard publishes the session leaderboard at most once
// per publish interval, however many scores change in between.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.st.MarkPublished(ctx, e.SessionID, e.UpdateTime, s.publishInterval)
	if err != nil {
		return crerr.Wrap(err, "mark published")
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, e.SessionID)
}

func (s *Service) publishLeaderboard(ctx context.Context, sessionID string) error {
	l, err := s.GetSessionLeaderboard(ctx, GetSessionLeaderboardRequest{
		SessionID: sessionID,
		Limit:     s.maxLimit,
	})
	if err != nil {
		return crerr.Wrapf(err, "get leaderboard failed: session=%s", sessionID)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		SessionID:   sessionID,
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) validateRequest(req any, limit int) error {
	if err := s.validate.Struct(req); err != nil {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("validation failed: %v", err),
			errors.WithCause(err),
		)
	}
	if limit < 1 || limit > s.maxLimit {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("limit must be between 1 and %d", s.maxLimit))
	}
	return nil
}

func checkWindow(w domain.Window) error {
	for _, rw := range domain.RankingWindows {
		if w == rw {
			return nil
		}
	}
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown ranking window: %s", w))
}

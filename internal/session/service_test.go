package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/keys"
	"github.com/victornm/speedrun/internal/session"
	"github.com/victornm/speedrun/internal/store"
)

func TestService_CreateSession(t *testing.T) {
	tests := map[string]struct {
		req      session.CreateSessionRequest
		wantCode errors.Code
		wantDur  time.Duration
	}{
		"should create a classic session": {
			req:     session.CreateSessionRequest{Mode: "classic", DurationSeconds: 600, OwnerID: "a"},
			wantDur: 600 * time.Second,
		},
		"should use the mode default duration": {
			req:     session.CreateSessionRequest{Mode: "tagfocus", OwnerID: "a"},
			wantDur: domain.Modes[domain.ModeTagFocus].DefaultDuration,
		},
		"should reject an unknown mode": {
			req:      session.CreateSessionRequest{Mode: "blitz", DurationSeconds: 600, OwnerID: "a"},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject a too long duration": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: 86400, OwnerID: "a"},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject a duration just above the mode maximum": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: 7201, OwnerID: "a"},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject a duration that overflows when converted": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: 36028797018964568, OwnerID: "a"},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject a negative duration": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: -1, OwnerID: "a"},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject a missing owner": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: 600},
			wantCode: errors.CodeInvalidArgument,
		},
		"should reject an owner id that breaks key shapes": {
			req:      session.CreateSessionRequest{Mode: "classic", DurationSeconds: 600, OwnerID: "a:b"},
			wantCode: errors.CodeInvalidArgument,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeFixture(t)
			ss, err := f.svc.CreateSession(context.Background(), tt.req)
			if tt.wantCode != 0 {
				require.True(t, errors.Is(err, tt.wantCode), "got %v", err)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, ss.SessionID)
			assert.Equal(t, domain.StateCreated, ss.State)
			assert.Equal(t, tt.wantDur, ss.Duration)
			assert.Equal(t, []string{"a"}, ss.Players)
		})
	}
}

func TestService_JoinSession(t *testing.T) {
	type inputs struct {
		sessionID string
		user      string
	}

	tests := map[string]struct {
		arrange  func(t *testing.T, f *fixture) inputs
		wantCode errors.Code
		wantLen  int
	}{
		"should join a created session": {
			arrange: func(t *testing.T, f *fixture) inputs {
				return inputs{sessionID: f.create(t, "classic", "a"), user: "b"}
			},
			wantLen: 2,
		},
		"should be idempotent": {
			arrange: func(t *testing.T, f *fixture) inputs {
				id := f.create(t, "classic", "a")
				f.join(t, id, "b")
				return inputs{sessionID: id, user: "b"}
			},
			wantLen: 2,
		},
		"should reject joining after start": {
			arrange: func(t *testing.T, f *fixture) inputs {
				id := f.create(t, "classic", "a")
				f.start(t, id, "a")
				return inputs{sessionID: id, user: "b"}
			},
			wantCode: errors.CodeFailedPrecondition,
		},
		"should reject a full session": {
			arrange: func(t *testing.T, f *fixture) inputs {
				return inputs{sessionID: f.create(t, "retry", "a"), user: "b"}
			},
			wantCode: errors.CodeFailedPrecondition,
		},
		"should reject a penalized user": {
			arrange: func(t *testing.T, f *fixture) inputs {
				require.NoError(t, f.svc.FlagPenalty(context.Background(), session.FlagPenaltyRequest{UserID: "b", Reason: "abuse"}))
				return inputs{sessionID: f.create(t, "classic", "a"), user: "b"}
			},
			wantCode: errors.CodePermissionDenied,
		},
		"should reject an unknown session": {
			arrange: func(t *testing.T, f *fixture) inputs {
				return inputs{sessionID: "missing", user: "b"}
			},
			wantCode: errors.CodeNotFound,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeFixture(t)
			in := tt.arrange(t, f)

			ss, err := f.svc.JoinSession(context.Background(), session.JoinSessionRequest{SessionID: in.sessionID, UserID: in.user})
			if tt.wantCode != 0 {
				require.True(t, errors.Is(err, tt.wantCode), "got %v", err)
				return
			}

			require.NoError(t, err)
			assert.Len(t, ss.Players, tt.wantLen)
			assert.Contains(t, ss.Players, in.user)

			st, err := f.svc.GetPlayerStatus(context.Background(), session.GetPlayerStatusRequest{SessionID: in.sessionID, UserID: in.user})
			require.NoError(t, err)
			assert.Zero(t, st.Score)
			assert.Zero(t, st.SolvedCount)
			assert.True(t, st.Active)
		})
	}
}

func TestService_PenaltyCleared(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.FlagPenalty(ctx, session.FlagPenaltyRequest{UserID: "b", TTL: time.Hour}))
	require.NoError(t, f.svc.ClearPenalty(ctx, "b"))

	id := f.create(t, "classic", "a")
	f.join(t, id, "b")
}

func TestService_LeaveSession(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	id := f.create(t, "classic", "a")
	f.join(t, id, "b")

	ss, err := f.svc.LeaveSession(ctx, session.LeaveSessionRequest{SessionID: id, UserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ss.Players)

	_, err = f.svc.LeaveSession(ctx, session.LeaveSessionRequest{SessionID: id, UserID: "b"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	st, err := f.svc.GetPlayerStatus(ctx, session.GetPlayerStatusRequest{SessionID: id, UserID: "b"})
	require.NoError(t, err, "score state outlives membership")
	assert.False(t, st.Active)

	f.join(t, id, "b")
}

func TestService_StartSession(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	id := f.create(t, "classic", "a")
	f.join(t, id, "b")

	_, err := f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: id, UserID: "b"})
	assert.True(t, errors.Is(err, errors.CodePermissionDenied))

	ss, err := f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: id, UserID: "a"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, ss.State)
	assert.True(t, ss.StartedAt.Equal(f.clock.Now()))
	assert.True(t, ss.EndAt.Equal(f.clock.Now().Add(600*time.Second)))

	_, err = f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: id, UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))

	_, err = f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: "missing", UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	f.eb.Wait()
	assert.Equal(t, []string{domain.EventNameSessionStarted}, f.events())
}

func TestService_GetSessionState_PassiveExpiry(t *testing.T) {
	f := makeFixture(t)

	id := f.create(t, "classic", "a")
	f.join(t, id, "b")

	seen := []domain.State{f.state(t, id, "b").State}

	f.start(t, id, "a")
	f.clock.Advance(300 * time.Second)

	st := f.state(t, id, "b")
	seen = append(seen, st.State)
	assert.Equal(t, 300*time.Second, st.Remaining)
	assert.EqualValues(t, 2, st.PlayerCount)
	assert.True(t, st.Joined)

	f.clock.Advance(301 * time.Second)

	st = f.state(t, id, "b")
	seen = append(seen, st.State)
	assert.Equal(t, domain.StateEnded, st.State, "601 seconds after start")
	assert.Zero(t, st.Remaining)

	seen = append(seen, f.state(t, id, "stranger").State)
	assert.Equal(t, []domain.State{domain.StateCreated, domain.StateRunning, domain.StateEnded, domain.StateEnded}, seen)

	f.eb.Wait()
	assert.Equal(t, []string{domain.EventNameSessionStarted, domain.EventNameSessionEnded}, f.events(),
		"session.ended is published once")
}

func TestService_EndSession(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	id := f.create(t, "classic", "a")

	_, err := f.svc.EndSession(ctx, session.EndSessionRequest{SessionID: id, UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "a created session cannot skip RUNNING")

	f.start(t, id, "a")

	_, err = f.svc.EndSession(ctx, session.EndSessionRequest{SessionID: id, UserID: "b"})
	assert.True(t, errors.Is(err, errors.CodePermissionDenied))

	ss, err := f.svc.EndSession(ctx, session.EndSessionRequest{SessionID: id, UserID: "a"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, ss.State)

	_, err = f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: id, UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "states never go backwards")
}

func TestService_SessionUnreachableAfterTTL(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	id := f.create(t, "classic", "a")
	f.join(t, id, "b")

	f.mr.FastForward(24*time.Hour + time.Second)

	_, err := f.svc.GetSession(ctx, session.GetSessionRequest{SessionID: id})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.svc.JoinSession(ctx, session.JoinSessionRequest{SessionID: id, UserID: "c"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.svc.LeaveSession(ctx, session.LeaveSessionRequest{SessionID: id, UserID: "b"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.svc.StartSession(ctx, session.StartSessionRequest{SessionID: id, UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.svc.GetSessionState(ctx, session.GetSessionStateRequest{SessionID: id, UserID: "a"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.svc.GetPlayerStatus(ctx, session.GetPlayerStatusRequest{SessionID: id, UserID: "b"})
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestService_StoreUnavailable(t *testing.T) {
	f := makeFixture(t)
	f.mr.Close()

	_, err := f.svc.CreateSession(context.Background(), session.CreateSessionRequest{Mode: "classic", OwnerID: "a"})
	assert.True(t, errors.Is(err, errors.CodeUnavailable))
}

type fixture struct {
	svc   *session.Service
	eb    *event.Bus
	mr    *miniredis.Miniredis
	clock *Clock

	mu       sync.Mutex
	received []string
}

func makeFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      []string{mr.Addr()},
		MaxRetries: -1,
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	f := &fixture{
		eb:    event.MustNewBus(event.Config{}),
		mr:    mr,
		clock: NewClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)),
	}
	t.Cleanup(f.eb.Stop)

	for _, name := range []string{domain.EventNameSessionStarted, domain.EventNameSessionEnded} {
		f.eb.Subscribe(name, func(_ context.Context, e event.Event) error {
			f.mu.Lock()
			f.received = append(f.received, e.Name())
			f.mu.Unlock()
			return nil
		})
	}

	f.svc = session.NewService(session.Config{
		Store:    store.New(store.Config{Redis: rc, Namespace: keys.New("speed")}),
		EventBus: f.eb,
		Now:      f.clock.Now,
	})

	return f
}

func (f *fixture) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *fixture) create(t *testing.T, mode, owner string) string {
	t.Helper()
	ss, err := f.svc.CreateSession(context.Background(), session.CreateSessionRequest{Mode: mode, DurationSeconds: 600, OwnerID: owner})
	require.NoError(t, err)
	return ss.SessionID
}

func (f *fixture) join(t *testing.T, id, user string) {
	t.Helper()
	_, err := f.svc.JoinSession(context.Background(), session.JoinSessionRequest{SessionID: id, UserID: user})
	require.NoError(t, err)
}

func (f *fixture) start(t *testing.T, id, owner string) {
	t.Helper()
	_, err := f.svc.StartSession(context.Background(), session.StartSessionRequest{SessionID: id, UserID: owner})
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id, user string) *domain.SessionState {
	t.Helper()
	st, err := f.svc.GetSessionState(context.Background(), session.GetSessionStateRequest{SessionID: id, UserID: user})
	require.NoError(t, err)
	return st
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

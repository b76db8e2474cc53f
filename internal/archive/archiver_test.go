package archive_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/speedrun/internal/archive"
	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/keys"
	"github.com/victornm/speedrun/internal/store"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestArchiver_SessionEnded(t *testing.T) {
	tests := map[string]struct {
		saveErr error
		assert  func(t *testing.T, saved []archive.Record)
	}{
		"should save the ended session with its standings": {
			assert: func(t *testing.T, saved []archive.Record) {
				require.Len(t, saved, 1)
				assert.Equal(t, archive.Record{
					SessionID: "s1",
					Mode:      domain.ModeClassic,
					OwnerID:   "a",
					Duration:  10 * time.Minute,
					CreatedAt: t0,
					StartedAt: t0,
					EndedAt:   t0.Add(10 * time.Minute),
					Standings: []domain.LeaderboardEntry{
						{UserID: "b", Score: 20, Rank: 1},
						{UserID: "a", Score: 10, Rank: 2},
					},
				}, saved[0])
			},
		},
		"should swallow save failures": {
			saveErr: fmt.Errorf("connection refused"),
			assert: func(t *testing.T, saved []archive.Record) {
				assert.Len(t, saved, 1, "the attempt is made once")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st := makeStore(t)
			eb := event.MustNewBus(event.Config{})
			saver := &fakeSaver{err: tt.saveErr}

			archive.NewArchiver(archive.Config{Store: st, EventBus: eb, Saver: saver})

			ss := playSession(t, st)
			eb.Publish(context.Background(), domain.EventSessionEnded{Session: ss})
			eb.Stop()

			tt.assert(t, saver.records())
		})
	}
}

type fakeSaver struct {
	err error

	mu    sync.Mutex
	saved []archive.Record
}

func (f *fakeSaver) Save(_ context.Context, rec archive.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saved = append(f.saved, rec)
	return f.err == nil, f.err
}

func (f *fakeSaver) records() []archive.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]archive.Record(nil), f.saved...)
}

func makeStore(t *testing.T) *store.Store {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return store.New(store.Config{Redis: rc, Namespace: keys.New("speed")})
}

// playSession runs s1 to its end: a scores 10, b scores 20.
func playSession(t *testing.T, st *store.Store) domain.Session {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, domain.Session{
		SessionID: "s1",
		Mode:      domain.ModeClassic,
		OwnerID:   "a",
		Duration:  10 * time.Minute,
		CreatedAt: t0,
	}, 24*time.Hour))

	out, err := st.Join(ctx, "s1", "b", t0, 100)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeOK, out)

	_, out, err = st.Start(ctx, "s1", "a", t0)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeOK, out)

	for u, pts := range map[string]int64{"a": 10, "b": 20} {
		res, err := st.Submit(ctx, store.SubmitArgs{SessionID: "s1", UserID: u, ProblemID: "p1", Points: pts, Now: t0.Add(time.Minute)})
		require.NoError(t, err)
		require.Equal(t, store.OutcomeOK, res.Outcome)
	}

	out, err = st.Expire(ctx, "s1", t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.OutcomeOK, out)

	ss, ok, err := st.Session(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	return ss
}

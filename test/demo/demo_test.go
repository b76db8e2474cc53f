//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/speedrun/internal/api"
	"github.com/victornm/speedrun/internal/domain"
)

const (
	httpAddr = "http://localhost:8080"
	grpcAddr = "localhost:8081"
)

func TestSpeedrun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requireServing(ctx, t)

	var (
		wg       = new(sync.WaitGroup)
		owner    = "u-" + uuid.NewString()[:8]
		users    = []string{owner, "u-" + uuid.NewString()[:8], "u-" + uuid.NewString()[:8]}
		problems = []string{"p1", "p2", "p3"}
	)

	// Prepare Redis subscriber
	subscribeAsUser(t, makeRedis(t), wg, users[1])

	var ss api.Session
	call(ctx, t, http.MethodPost, "/api/speedrun/classic/session", owner, map[string]any{"duration_seconds": 60}, &ss)
	base := "/api/speedrun/session/" + ss.SessionID

	for _, u := range users[1:] {
		call(ctx, t, http.MethodPost, base+"/join", u, nil, &ss)
	}
	call(ctx, t, http.MethodPost, base+"/start", owner, nil, &ss)
	require.Equal(t, string(domain.StateRunning), ss.State)

	// For each problem, all users will submit concurrently
	for i, p := range problems {
		t.Logf("Starting problem %q", p)
		var eg errgroup.Group
		for _, u := range users {
			eg.Go(func() error {
				var res api.SubmitResult
				if err := do(ctx, http.MethodPost, base+"/submit", u, map[string]any{"problem_id": p, "points": (i + 1) * 10}, &res); err != nil {
					return fmt.Errorf("user %q submit: %w", u, err)
				}

				t.Logf("User %q submitted %s: awarded=%d, score=%d", u, p, res.Awarded, res.Score)
				return nil
			})
		}

		require.NoError(t, eg.Wait())
		time.Sleep(time.Second)
	}

	call(ctx, t, http.MethodPost, base+"/end", owner, nil, &ss)
	require.Equal(t, string(domain.StateEnded), ss.State)

	var lb api.Leaderboard
	call(ctx, t, http.MethodGet, base+"/leaderboard", "", nil, &lb)
	t.Logf("final leaderboard:\n%s", formatLeaderboard(lb))

	wg.Wait()
}

func requireServing(ctx context.Context, t *testing.T) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func call(ctx context.Context, t *testing.T, method, path, user string, body, out any) {
	t.Helper()
	require.NoError(t, do(ctx, method, path, user, body, out))
}

func do(ctx context.Context, method, path, user string, body, out any) error {
	var b bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&b).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, httpAddr+path, &b)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var er api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return fmt.Errorf("%s %s: status %d: %+v", method, path, resp.StatusCode, er.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("speedrun:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l api.Leaderboard
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() {
		cancel()
		sub.Close()
	})

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.Leaderboard) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%d. %s: %d\n", e.Rank, e.UserID, e.Score)
	}
	return s
}

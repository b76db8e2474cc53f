package api

import (
	"context"
	"encoding/json"
	"fmt"

	crerr "github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/speedrun/internal/domain"
)

const maxConcurrent = 100

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (a *API) PublishSessionStarted(ctx context.Context, e domain.EventSessionStarted) error {
	ss := e.Session
	return a.publishNotification(ctx, a.sessionChannel(ss.SessionID), e.Name(), toSession(&ss))
}

func (a *API) PublishSessionEnded(ctx context.Context, e domain.EventSessionEnded) error {
	ss := e.Session
	return a.publishNotification(ctx, a.sessionChannel(ss.SessionID), e.Name(), toSession(&ss))
}

// PublishLeaderboardUpdated sends the leaderboard to the session channel and
// to every player on it.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := toLeaderboard(e.Leaderboard)

	if err := a.publishNotification(ctx, a.sessionChannel(e.SessionID), e.Name(), data); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.UserID), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return crerr.Wrapf(err, "pubsub: marshal %s", event)
	}

	if err := a.redis.Publish(ctx, channel, b).Err(); err != nil {
		return crerr.Wrapf(err, "pubsub: publish %s to %s", event, channel)
	}
	return nil
}

func (a *API) sessionChannel(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", a.prefix, sessionID)
}

func (a *API) userChannel(userID string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, userID)
}

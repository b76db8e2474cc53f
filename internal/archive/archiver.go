package archive

import (
	"context"

	crerr "github.com/cockroachdb/errors"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/logging"
	"github.com/victornm/speedrun/internal/store"
)

type Saver interface {
	Save(ctx context.Context, rec Record) (bool, error)
}

type Config struct {
	Store    *store.Store
	EventBus *event.Bus
	Saver    Saver
}

// Archiver writes every ended session to the archive. Failures are logged by
// the event bus and never reach players.
type Archiver struct {
	st    *store.Store
	saver Saver
}

func NewArchiver(c Config) *Archiver {
	a := &Archiver{
		st:    c.Store,
		saver: c.Saver,
	}

	c.EventBus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return a.Archive(ctx, e.(domain.EventSessionEnded).Session)
	})

	return a
}

// Archive saves an ended session with its final standings.
func (a *Archiver) Archive(ctx context.Context, ss domain.Session) error {
	standings, err := a.st.Standings(ctx, ss.SessionID)
	if err != nil {
		return crerr.Wrapf(err, "archive %s", ss.SessionID)
	}

	saved, err := a.saver.Save(ctx, Record{
		SessionID: ss.SessionID,
		Mode:      ss.Mode,
		OwnerID:   ss.OwnerID,
		Duration:  ss.Duration,
		CreatedAt: ss.CreatedAt,
		StartedAt: ss.StartedAt,
		EndedAt:   ss.EndedAt,
		Standings: standings,
	})
	if err != nil {
		return crerr.Wrapf(err, "archive %s", ss.SessionID)
	}

	if saved {
		logging.InfoContext(ctx, "archive: session saved", "session", ss.SessionID, "players", len(standings))
	}
	return nil
}

// Package store holds every aggregate the service keeps in Redis: session
// metadata, player sets, per-player score state and sorted-set leaderboards.
package store

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
	"github.com/victornm/speedrun/internal/keys"
)

const (
	fieldMode      = "mode"
	fieldState     = "state"
	fieldOwner     = "owner"
	fieldDuration  = "duration_ms"
	fieldCreatedAt = "created_at"
	fieldStartedAt = "started_at"
	fieldEndAt     = "end_at"
	fieldEndedAt   = "ended_at"

	fieldScore       = "score"
	fieldSolvedCount = "solved_count"
	fieldJoinedAt    = "joined_at"
)

type Config struct {
	Redis     redis.UniversalClient
	Namespace keys.Namespace
}

type Store struct {
	rdb redis.UniversalClient
	ns  keys.Namespace
}

func New(c Config) *Store {
	return &Store{
		rdb: c.Redis,
		ns:  c.Namespace,
	}
}

func (s *Store) Keys() keys.Namespace {
	return s.ns
}

// CreateSession writes a new session with its owner already joined. Every key
// expires ttl after creation.
func (s *Store) CreateSession(ctx context.Context, ss domain.Session, ttl time.Duration) error {
	var (
		meta    = s.ns.Session(ss.SessionID)
		players = s.ns.Players(ss.SessionID)
		player  = s.ns.Player(ss.SessionID, ss.OwnerID)
		lb      = s.ns.Leaderboard(ss.SessionID)
	)

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, meta,
			fieldMode, string(ss.Mode),
			fieldState, string(domain.StateCreated),
			fieldOwner, ss.OwnerID,
			fieldDuration, ss.Duration.Milliseconds(),
			fieldCreatedAt, ss.CreatedAt.UnixMilli(),
		)
		p.SAdd(ctx, players, ss.OwnerID)
		p.HSet(ctx, player,
			fieldScore, 0,
			fieldSolvedCount, 0,
			fieldJoinedAt, ss.CreatedAt.UnixMilli(),
		)
		p.ZAdd(ctx, lb, redis.Z{Score: 0, Member: ss.OwnerID})

		for _, k := range []string{meta, players, player, lb} {
			p.PExpire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable(err, "create session")
	}

	return nil
}

// Session reads the session metadata. ok is false when the session does not
// exist or has expired.
func (s *Store) Session(ctx context.Context, sessionID string) (ss domain.Session, ok bool, err error) {
	m, err := s.rdb.HGetAll(ctx, s.ns.Session(sessionID)).Result()
	if err != nil {
		return ss, false, unavailable(err, "read session")
	}
	if len(m) == 0 {
		return ss, false, nil
	}

	return decodeSession(sessionID, m), true, nil
}

// Snapshot is a session together with its membership as seen by one user.
type Snapshot struct {
	Session     domain.Session
	Players     []string
	PlayerCount int64
	Joined      bool
}

// Snapshot reads session metadata and membership in one round trip.
func (s *Store) Snapshot(ctx context.Context, sessionID, userID string) (snap Snapshot, ok bool, err error) {
	var (
		meta    *redis.MapStringStringCmd
		members *redis.StringSliceCmd
	)

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, s.ns.Session(sessionID))
		members = p.SMembers(ctx, s.ns.Players(sessionID))
		return nil
	})
	if err != nil {
		return snap, false, unavailable(err, "read session snapshot")
	}
	if len(meta.Val()) == 0 {
		return snap, false, nil
	}

	snap.Session = decodeSession(sessionID, meta.Val())
	snap.Players = members.Val()
	snap.PlayerCount = int64(len(snap.Players))
	for _, p := range snap.Players {
		if p == userID {
			snap.Joined = true
			break
		}
	}

	return snap, true, nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.ns.Session(sessionID)).Result()
	if err != nil {
		return false, unavailable(err, "check session")
	}
	return n == 1, nil
}

func (s *Store) Join(ctx context.Context, sessionID, userID string, now time.Time, maxPlayers int) (Outcome, error) {
	n, err := joinScript.Run(ctx, s.rdb,
		[]string{
			s.ns.Session(sessionID),
			s.ns.Players(sessionID),
			s.ns.Player(sessionID, userID),
			s.ns.Leaderboard(sessionID),
		},
		userID, now.UnixMilli(), maxPlayers,
	).Int64()
	if err != nil {
		return 0, unavailable(err, "join session")
	}
	return Outcome(n), nil
}

func (s *Store) Leave(ctx context.Context, sessionID, userID string) (Outcome, error) {
	n, err := leaveScript.Run(ctx, s.rdb,
		[]string{s.ns.Session(sessionID), s.ns.Players(sessionID)},
		userID,
	).Int64()
	if err != nil {
		return 0, unavailable(err, "leave session")
	}
	return Outcome(n), nil
}

// Start moves a CREATED session to RUNNING with an optimistic WATCH/MULTI
// transaction on the session key. A concurrent change of the session between
// the read and the write yields OutcomeConcurrent; nothing is retried.
func (s *Store) Start(ctx context.Context, sessionID, userID string, now time.Time) (domain.Session, Outcome, error) {
	var (
		key     = s.ns.Session(sessionID)
		ss      domain.Session
		outcome Outcome
	)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		if len(m) == 0 {
			outcome = OutcomeNotFound
			return nil
		}

		ss = decodeSession(sessionID, m)
		switch {
		case ss.OwnerID != userID:
			outcome = OutcomeNotOwner
			return nil
		case ss.State != domain.StateCreated:
			outcome = OutcomeWrongState
			return nil
		}

		ss.State = domain.StateRunning
		ss.StartedAt = now
		ss.EndAt = now.Add(ss.Duration)

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				fieldState, string(ss.State),
				fieldStartedAt, ss.StartedAt.UnixMilli(),
				fieldEndAt, ss.EndAt.UnixMilli(),
			)
			return nil
		})
		if err != nil {
			return err
		}

		outcome = OutcomeOK
		return nil
	}, key)

	if stderrors.Is(err, redis.TxFailedErr) {
		return ss, OutcomeConcurrent, nil
	}
	if err != nil {
		return ss, 0, unavailable(err, "start session")
	}

	return ss, outcome, nil
}

// Expire ends a RUNNING session whose logical end has passed. It returns
// OutcomeOK only to the one caller that performed the transition.
func (s *Store) Expire(ctx context.Context, sessionID string, now time.Time) (Outcome, error) {
	return s.finish(ctx, sessionID, "", now)
}

// End ends a RUNNING session on behalf of its owner.
func (s *Store) End(ctx context.Context, sessionID, ownerID string, now time.Time) (Outcome, error) {
	return s.finish(ctx, sessionID, ownerID, now)
}

func (s *Store) finish(ctx context.Context, sessionID, ownerID string, now time.Time) (Outcome, error) {
	n, err := finishScript.Run(ctx, s.rdb,
		[]string{s.ns.Session(sessionID)},
		now.UnixMilli(), ownerID,
	).Int64()
	if err != nil {
		return 0, unavailable(err, "finish session")
	}
	return Outcome(n), nil
}

type SubmitArgs struct {
	SessionID string
	UserID    string
	ProblemID string
	Points    int64
	Now       time.Time
}

type SubmitResult struct {
	Outcome     Outcome
	Score       int64
	SolvedCount int64
}

// Submit runs the submission script: state check, membership check,
// duplicate check, score update and leaderboard update as one indivisible step.
func (s *Store) Submit(ctx context.Context, a SubmitArgs) (SubmitResult, error) {
	res, err := submitScript.Run(ctx, s.rdb,
		[]string{
			s.ns.Session(a.SessionID),
			s.ns.Players(a.SessionID),
			s.ns.Player(a.SessionID, a.UserID),
			s.ns.Solved(a.SessionID, a.UserID),
			s.ns.Leaderboard(a.SessionID),
		},
		a.UserID, a.ProblemID, a.Points, a.Now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return SubmitResult{}, unavailable(err, "submit")
	}
	if len(res) == 0 {
		return SubmitResult{}, errors.Internal(crerr.New("submit script returned no result"))
	}

	r := SubmitResult{Outcome: Outcome(res[0])}
	if r.Outcome == OutcomeOK && len(res) == 3 {
		r.Score, r.SolvedCount = res[1], res[2]
	}
	return r, nil
}

// Player reads a user's score state in a session together with their rank on
// the session leaderboard.
func (s *Store) Player(ctx context.Context, sessionID, userID string) (pl domain.Player, ok bool, err error) {
	var (
		state  *redis.MapStringStringCmd
		solved *redis.StringSliceCmd
		member *redis.BoolCmd
		rank   *redis.IntCmd
	)

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		state = p.HGetAll(ctx, s.ns.Player(sessionID, userID))
		solved = p.SMembers(ctx, s.ns.Solved(sessionID, userID))
		member = p.SIsMember(ctx, s.ns.Players(sessionID), userID)
		rank = p.ZRevRank(ctx, s.ns.Leaderboard(sessionID), userID)
		return nil
	})
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return pl, false, unavailable(err, "read player")
	}
	if len(state.Val()) == 0 {
		return pl, false, nil
	}

	m := state.Val()
	pl = domain.Player{
		SessionID:   sessionID,
		UserID:      userID,
		Score:       parseInt(m[fieldScore]),
		SolvedCount: parseInt(m[fieldSolvedCount]),
		Solved:      solved.Val(),
		JoinedAt:    parseMillis(m[fieldJoinedAt]),
		Active:      member.Val(),
	}
	if r, err := rank.Result(); err == nil {
		pl.Rank = r + 1
	}

	return pl, true, nil
}

// SessionLeaderboard returns the top n entries of a session leaderboard.
func (s *Store) SessionLeaderboard(ctx context.Context, sessionID string, n int) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, s.ns.Leaderboard(sessionID), n)
}

// Standings returns the whole session leaderboard.
func (s *Store) Standings(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, s.ns.Leaderboard(sessionID), 0)
}

func (s *Store) Ranking(ctx context.Context, w domain.Window, n int) ([]domain.LeaderboardEntry, error) {
	return s.top(ctx, s.ns.Ranking(w), n)
}

func (s *Store) ArchivedRanking(ctx context.Context, w domain.Window, label string, n int) ([]domain.LeaderboardEntry, bool, error) {
	key := s.ns.RankingArchive(w, label)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, false, unavailable(err, "check archive")
	}
	if exists == 0 {
		return nil, false, nil
	}

	entries, err := s.top(ctx, key, n)
	return entries, err == nil, err
}

// RankingEntry returns a user's score and 1-based rank in a window.
func (s *Store) RankingEntry(ctx context.Context, w domain.Window, userID string) (e domain.LeaderboardEntry, ok bool, err error) {
	key := s.ns.Ranking(w)

	var (
		score *redis.FloatCmd
		rank  *redis.IntCmd
	)
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		score = p.ZScore(ctx, key, userID)
		rank = p.ZRevRank(ctx, key, userID)
		return nil
	})
	if stderrors.Is(err, redis.Nil) {
		return e, false, nil
	}
	if err != nil {
		return e, false, unavailable(err, "read ranking entry")
	}

	return domain.LeaderboardEntry{
		UserID: userID,
		Score:  decodeScore(score.Val()),
		Rank:   rank.Val() + 1,
	}, true, nil
}

// top returns the n highest entries of a sorted set, all of them when n <= 0.
func (s *Store) top(ctx context.Context, key string, n int) ([]domain.LeaderboardEntry, error) {
	stop := int64(n) - 1
	if n <= 0 {
		stop = -1
	}

	res, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, unavailable(err, "read leaderboard")
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{
			UserID: member,
			Score:  decodeScore(z.Score),
			Rank:   int64(i) + 1,
		})
	}

	return entries, nil
}

// CreditRankings moves the points a player earned in a session and that are
// not ranked yet into every ranking window. It returns the points moved.
// Points that fail to reach the windows are handed back to the player so a
// later call can retry them.
func (s *Store) CreditRankings(ctx context.Context, sessionID, userID string) (int64, error) {
	key := s.ns.Player(sessionID, userID)

	n, err := takeUnrankedScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, unavailable(err, "take unranked points")
	}
	if n == 0 {
		return 0, nil
	}

	// The windows share one hash slot, so the increments go in one MULTI.
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, w := range domain.RankingWindows {
			p.ZIncrBy(ctx, s.ns.Ranking(w), float64(n), userID)
		}
		return nil
	})
	if err == nil {
		return n, nil
	}

	if rerr := returnUnrankedScript.Run(ctx, s.rdb, []string{key}, n).Err(); rerr != nil {
		err = crerr.CombineErrors(err, rerr)
	}
	return 0, unavailable(err, "credit rankings")
}

// FoldIntoRankings credits every player of a session with what is left of
// their unranked points and then sets the session's ranked flag. folded is
// true only for the caller that set the flag; it is false when another
// caller already did or the session is gone.
func (s *Store) FoldIntoRankings(ctx context.Context, sessionID string) (folded bool, standings []domain.LeaderboardEntry, err error) {
	standings, err = s.Standings(ctx, sessionID)
	if err != nil {
		return false, nil, err
	}

	for _, e := range standings {
		if _, err := s.CreditRankings(ctx, sessionID, e.UserID); err != nil {
			return false, nil, err
		}
	}

	n, err := markRankedScript.Run(ctx, s.rdb, []string{s.ns.Session(sessionID)}).Int64()
	if err != nil {
		return false, nil, unavailable(err, "mark session ranked")
	}
	if Outcome(n) != OutcomeOK {
		return false, nil, nil
	}

	return true, standings, nil
}

// Rollover archives a ranking window under label and clears it.
func (s *Store) Rollover(ctx context.Context, w domain.Window, label string, retention time.Duration) (Outcome, int64, error) {
	res, err := rolloverScript.Run(ctx, s.rdb,
		[]string{s.ns.Ranking(w), s.ns.RankingArchive(w, label)},
		retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, unavailable(err, "rollover")
	}
	if len(res) != 2 {
		return 0, 0, errors.Internal(crerr.Newf("rollover script returned %d values", len(res)))
	}
	return Outcome(res[0]), res[1], nil
}

// AddToRanking increments a user's score in one window.
func (s *Store) AddToRanking(ctx context.Context, w domain.Window, userID string, score int64) error {
	if err := s.rdb.ZIncrBy(ctx, s.ns.Ranking(w), float64(score), userID).Err(); err != nil {
		return unavailable(err, "add to ranking")
	}
	return nil
}

// SessionKeys lists every key of a session by scanning its shared prefix.
// On a cluster this only sees the node the SCAN lands on.
func (s *Store) SessionKeys(ctx context.Context, sessionID string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		ks, next, err := s.rdb.Scan(ctx, cursor, s.ns.SessionPattern(sessionID), 100).Result()
		if err != nil {
			return nil, unavailable(err, "scan session keys")
		}
		out = append(out, ks...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// ShortenSession lowers the expiry of every key of a session to at most ttl.
// Keys already expiring sooner are left untouched.
func (s *Store) ShortenSession(ctx context.Context, sessionID string, ttl time.Duration) (int, error) {
	ks, err := s.SessionKeys(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	var changed int
	for _, k := range ks {
		cur, err := s.rdb.PTTL(ctx, k).Result()
		if err != nil {
			return changed, unavailable(err, "read ttl")
		}
		if cur > 0 && cur <= ttl {
			continue
		}
		if err := s.rdb.PExpire(ctx, k, ttl).Err(); err != nil {
			return changed, unavailable(err, "shorten ttl")
		}
		changed++
	}

	return changed, nil
}

// SetPenalty flags a user for the anti-abuse system. ttl <= 0 keeps the flag
// until it is cleared.
func (s *Store) SetPenalty(ctx context.Context, userID, reason string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.ns.Penalty(userID), reason, ttl).Err(); err != nil {
		return unavailable(err, "set penalty")
	}
	return nil
}

func (s *Store) ClearPenalty(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.ns.Penalty(userID)).Err(); err != nil {
		return unavailable(err, "clear penalty")
	}
	return nil
}

func (s *Store) Penalized(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.ns.Penalty(userID)).Result()
	if err != nil {
		return false, unavailable(err, "read penalty")
	}
	return n == 1, nil
}

// MarkPublished reports whether the caller won the right to publish the
// leaderboard of a session for the next interval.
func (s *Store) MarkPublished(ctx context.Context, sessionID string, at time.Time, interval time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.ns.LeaderboardPublished(sessionID), at.UnixMilli(), interval).Result()
	if err != nil {
		return false, unavailable(err, "mark published")
	}
	return ok, nil
}

func decodeSession(sessionID string, m map[string]string) domain.Session {
	return domain.Session{
		SessionID: sessionID,
		Mode:      domain.Mode(m[fieldMode]),
		State:     domain.State(m[fieldState]),
		OwnerID:   m[fieldOwner],
		Duration:  time.Duration(parseInt(m[fieldDuration])) * time.Millisecond,
		CreatedAt: parseMillis(m[fieldCreatedAt]),
		StartedAt: parseMillis(m[fieldStartedAt]),
		EndAt:     parseMillis(m[fieldEndAt]),
		EndedAt:   parseMillis(m[fieldEndedAt]),
	}
}

// decodeScore drops the tie-break fraction stored with session scores.
func decodeScore(f float64) int64 {
	return decimal.NewFromFloat(f).Floor().IntPart()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt(s)).UTC()
}

func unavailable(err error, op string) error {
	return errors.Unavailable(crerr.Wrap(err, op))
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/speedrun/internal/api"
	"github.com/victornm/speedrun/internal/archive"
	"github.com/victornm/speedrun/internal/event"
	"github.com/victornm/speedrun/internal/keys"
	"github.com/victornm/speedrun/internal/logging"
	"github.com/victornm/speedrun/internal/ranking"
	"github.com/victornm/speedrun/internal/session"
	"github.com/victornm/speedrun/internal/store"
	"github.com/victornm/speedrun/internal/submission"
	"github.com/victornm/speedrun/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Pubsub struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		// Archive is optional; ended sessions are not archived when Addr is empty.
		Archive struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Session struct {
		TTL            time.Duration
		RetainAfterEnd time.Duration
	}

	Ranking struct {
		MaxLimit         int
		PublishInterval  time.Duration
		ArchiveRetention time.Duration
	}

	Event struct {
		PoolSize int
		Timeout  time.Duration
	}
}

// DefaultConfig returns the configuration used for every key the config file
// and the environment leave out.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Redis.Addrs = []string{"localhost:6379"}
	c.Redis.Prefix = keys.DefaultPrefix
	c.Pubsub.Addrs = []string{"localhost:6379"}
	c.Pubsub.Prefix = "speedrun"
	c.Session.TTL = session.DefaultTTL
	c.Ranking.MaxLimit = ranking.DefaultMaxLimit
	c.Ranking.PublishInterval = ranking.DefaultPublishInterval
	c.Ranking.ArchiveRetention = 90 * 24 * time.Hour
	c.Event.PoolSize = 1000
	c.Event.Timeout = 30 * time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			archive *pgxpool.Pool
		}
	}

	service struct {
		store      *store.Store
		session    *session.Service
		submission *submission.Engine
		ranking    *ranking.Service
		archive    *archive.Repository
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	var err error
	s.eb, err = event.NewBus(event.Config{
		PoolSize: c.Event.PoolSize,
		Timeout:  c.Event.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("server: init event bus: %w", err)
	}

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect("store", s.c.Redis.Addrs, s.c.Redis.Pass)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Pubsub.Addrs, s.c.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	pc := s.c.Postgres.Archive
	if pc.Addr == "" {
		logging.WarnContext(context.Background(), "server: archive database not configured, ended sessions will not be archived")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("archive: %w", err)
	}

	s.infra.postgres.archive = db
	return nil
}

func (s *Server) initService() error {
	s.service.store = store.New(store.Config{
		Redis:     s.infra.redis.store,
		Namespace: keys.New(s.c.Redis.Prefix),
	})

	s.service.session = session.NewService(session.Config{
		Store:    s.service.store,
		EventBus: s.eb,
		TTL:      s.c.Session.TTL,
	})

	s.service.submission = submission.NewEngine(submission.Config{
		Store:    s.service.store,
		EventBus: s.eb,
	})

	s.service.ranking = ranking.NewService(ranking.Config{
		Store:            s.service.store,
		EventBus:         s.eb,
		MaxLimit:         s.c.Ranking.MaxLimit,
		PublishInterval:  s.c.Ranking.PublishInterval,
		ArchiveRetention: s.c.Ranking.ArchiveRetention,
		RetainAfterEnd:   s.c.Session.RetainAfterEnd,
	})

	if db := s.infra.postgres.archive; db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.service.archive = archive.NewRepository(db)
		if err := s.service.archive.EnsureSchema(ctx); err != nil {
			return err
		}

		archive.NewArchiver(archive.Config{
			Store:    s.service.store,
			EventBus: s.eb,
			Saver:    s.service.archive,
		})
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	ac := api.Config{
		EventBus:     s.eb,
		Session:      s.service.session,
		Submission:   s.service.submission,
		Ranking:      s.service.ranking,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Pubsub.Prefix,
	}
	if s.service.archive != nil {
		ac.Archive = s.service.archive
	}

	a := api.New(ac)
	a.Register(e)

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		logging.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		logging.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		logging.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		logging.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		logging.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if db := s.infra.postgres.archive; db != nil {
		db.Close()
	}
	for _, r := range []redis.UniversalClient{s.infra.redis.store, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			logging.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	logging.InfoContext(ctx, "server: shutdown completed")
}

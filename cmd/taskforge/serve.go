package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/taskforge/internal/api"
	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/cache"
	"github.com/alecgard/taskforge/internal/config"
	"github.com/alecgard/taskforge/internal/database"
	"github.com/alecgard/taskforge/internal/membership"
	"github.com/alecgard/taskforge/internal/memstore"
	"github.com/alecgard/taskforge/internal/metrics"
	"github.com/alecgard/taskforge/internal/notify"
	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/otp"
	"github.com/alecgard/taskforge/internal/ratelimit"
	"github.com/alecgard/taskforge/internal/realtime"
	"github.com/alecgard/taskforge/internal/session"
	"github.com/alecgard/taskforge/internal/token"
	"github.com/alecgard/taskforge/internal/user"
	"github.com/spf13/cobra"
)

var (
	serveSeed  bool
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TaskForge API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveSeed, "seed", false, "seed demo data on start (in-memory mode only)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "log at debug level")
	rootCmd.AddCommand(serveCmd)
}

// userBackend is the union of what the session manager, membership service,
// auth gate and profile endpoints need from user storage.
type userBackend interface {
	session.UserStore
	membership.Directory
	UpdateProfile(ctx context.Context, id string, in user.UpdateProfileInput) (*user.User, error)
}

type orgBackend interface {
	membership.Store
	seedOrgs
}

type stores struct {
	users userBackend
	orgs  orgBackend
	otps  session.OTPStore
	db    api.Pinger
	close func()
}

func openStores(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*stores, error) {
	if cfg.Server.InMemory {
		slog.Warn("running with in-memory stores; all data is lost on exit")
		users := memstore.NewUsers()
		return &stores{
			users: users,
			orgs:  memstore.NewOrgs(users),
			otps:  memstore.NewOTPs(),
			close: func() {},
		}, nil
	}

	pool, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")
	m.RegisterPool(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:           s.TotalConns(),
			Idle:            s.IdleConns(),
			Acquired:        s.AcquiredConns(),
			Max:             s.MaxConns(),
			Acquires:        s.AcquireCount(),
			EmptyAcquires:   s.EmptyAcquireCount(),
			AcquireDuration: s.AcquireDuration(),
		}
	})
	return &stores{
		users: user.NewStore(pool),
		orgs:  org.NewStore(pool),
		otps:  otp.NewStore(pool),
		db:    pool,
		close: pool.Close,
	}, nil
}

// openRealtime selects the cache store and event broadcaster. Redis backs
// both when configured; otherwise the cache is process-local and events are
// only logged.
func openRealtime(ctx context.Context, cfg *config.Config) (cache.Store, realtime.Broadcaster, func(), error) {
	if cfg.Redis.URL == "" {
		return cache.NewMemory(), realtime.Nop{}, func() {}, nil
	}
	rdb, err := cache.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("connected to redis")
	return cache.NewRedis(rdb), realtime.NewRedis(rdb), func() { _ = rdb.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	st, err := openStores(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer st.close()

	cacheStore, events, closeRedis, err := openRealtime(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	tokens, err := token.NewService(token.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessExpiry:  token.ParseExpiry(cfg.Auth.AccessExpiry),
		RefreshExpiry: token.ParseExpiry(cfg.Auth.RefreshExpiry),
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(notify.LogSender{}, notify.Options{
		BatchSize:     cfg.Notify.BatchSize,
		FlushInterval: cfg.Notify.FlushInterval,
		MaxAttempts:   cfg.Notify.MaxAttempts,
		OnResult: func(kind notify.Kind, err error) {
			m.IncNotification(string(kind), err)
		},
	})
	go dispatcher.Start(ctx)

	membershipCache := membership.NewCache(cacheStore, membership.CacheOptions{
		TTL:      cfg.Cache.MembershipTTL,
		Timeout:  cfg.Cache.Timeout,
		OnLookup: m.IncCacheLookup,
	})
	members := membership.NewService(st.orgs, st.users, membershipCache, events, dispatcher, membership.Config{
		InviteExpiry: cfg.Invite.Expiry,
	})
	sessions := session.NewManager(st.users, st.otps, members, tokens, dispatcher, session.Config{
		OTPExpiry:   cfg.OTP.Expiry,
		BcryptCost:  cfg.Auth.BcryptCost,
		OnOperation: m.IncSessionOp,
	})
	gate := auth.NewGate(tokens, user.NewAuthAdapter(st.users), membership.NewResolver(membershipCache, st.orgs), auth.GateOptions{
		OnAuthenticate: m.IncAuthOutcome,
	})

	if serveSeed {
		if !cfg.Server.InMemory {
			slog.Warn("--seed ignored outside in-memory mode; run the seed command instead")
		} else {
			demo, _, err := seedDemo(ctx, st.users, st.orgs, seedPassword, cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			printDemo(demo, seedPassword)
		}
	}

	limiter := ratelimit.New(cfg.RateLimit.Auth, cfg.RateLimit.Window)
	go limiter.RunSweeper(ctx, cfg.RateLimit.Window)

	router := api.NewRouter(api.RouterDeps{
		Sessions:       sessions,
		Memberships:    members,
		Users:          st.users,
		Gate:           gate,
		Limiter:        limiter,
		AuthRate:       cfg.RateLimit.Auth,
		Metrics:        m,
		DBPool:         st.db,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "in_memory", cfg.Server.InMemory, "redis", cfg.Redis.URL != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Drain queued notifications only after in-flight requests have finished
	// enqueueing.
	dispatcher.Stop()
	return err
}

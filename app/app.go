// Package app wires configuration into the running components shared by the
// command line and the API launcher.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"

	"votecommit/api"
	"votecommit/config"
	"votecommit/encryption"
	"votecommit/gate"
	"votecommit/ledger"
	"votecommit/logger"
	"votecommit/loop"
	"votecommit/lottery"
	"votecommit/reveal"
	"votecommit/service"
	"votecommit/storage"
)

type App struct {
	Config config.Configs
	Logger logger.Logger

	Hasher      *encryption.Hasher
	Codec       encryption.Codec
	Deriver     *lottery.Deriver
	Issuer      lottery.Issuer
	Ledger      *ledger.Ledger
	Receipts    *storage.ReceiptArchive
	Metrics     *service.MetricsCollector
	Commitments *service.CommitmentService

	redis *redis.Client
}

func New(ctx context.Context, cfg config.Configs, log logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Metrics: service.NewMetricsCollector()}

	var err error
	if a.Hasher, err = encryption.NewHasher(encryption.Algorithm(cfg.Hash.Algorithm)); err != nil {
		return nil, err
	}
	if a.Codec, err = encryption.NewCodec(cfg.Seal.Algorithm, cfg); err != nil {
		return nil, fmt.Errorf("failed to set up seal codec: %w", err)
	}
	if a.Deriver, err = lottery.NewDeriver(encryption.Algorithm(cfg.Hash.Algorithm)); err != nil {
		return nil, err
	}
	if a.Issuer, err = a.newIssuer(ctx); err != nil {
		return nil, err
	}

	store, err := storage.NewJSONStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}
	if a.Ledger, err = ledger.New(store, log); err != nil {
		return nil, err
	}
	if a.Receipts, err = storage.NewReceiptArchive(filepath.Join(cfg.Storage.Dir, "receipts")); err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(cfg.ID.Node)
	if err != nil {
		return nil, fmt.Errorf("failed to create id node: %w", err)
	}

	a.Commitments = service.NewCommitmentService(a.Hasher, a.Codec, a.Issuer, node, log,
		service.WithRecorder(a.Ledger),
		service.WithReceiptStore(a.Receipts),
		service.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) newIssuer(ctx context.Context) (lottery.Issuer, error) {
	if a.Config.Lottery.Collision != "unique" {
		a.Logger.Debugf("Lottery tickets may collide between voters")
		return lottery.AcceptCollisions{Deriver: a.Deriver}, nil
	}

	if a.Config.Lottery.RedisAddr == "" {
		return lottery.NewUniqueIssuer(a.Deriver, lottery.NewMemoryRegistry(), a.Config.Lottery.MaxAttempts), nil
	}

	client, err := lottery.NewRedisClient(ctx, a.Config.Lottery.RedisAddr)
	if err != nil {
		return nil, err
	}
	a.redis = client
	return lottery.NewUniqueIssuer(a.Deriver, lottery.NewRedisRegistry(client, 0), a.Config.Lottery.MaxAttempts), nil
}

func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warnf("Failed to close redis client: %v", err)
		}
	}
}

func (a *App) Server() *api.Server {
	return api.NewServer(a.Config.ApiServer, a.Commitments, a.Deriver, a.Ledger, a.Receipts, a.Metrics, a.Logger)
}

func RevealTiming(cfg config.RevealConfigs) reveal.Timing {
	t := reveal.DefaultTiming()
	t.SpinInterval = cfg.SpinInterval
	t.SpinDwell = cfg.SpinDwell
	t.InterCellDelay = cfg.InterCellDelay
	t.FallDuration = cfg.FallDuration
	t.BounceDuration = cfg.BounceDuration
	t.InterWinnerDelay = cfg.InterWinnerDelay
	t.FrameInterval = cfg.FrameInterval
	return t
}

// NewGate builds a watch gate that reports into the metrics. Hooks passed in
// opts run after the metrics hooks; they do not replace them.
func (a *App) NewGate(sched loop.Scheduler, opts ...gate.Option) *gate.Gate {
	var g *gate.Gate
	base := []gate.Option{
		gate.WithTolerance(a.Config.Gate.Tolerance),
		gate.WithCompletionRatio(a.Config.Gate.CompletionRatio),
		gate.WithFallbackDuration(a.Config.Gate.FallbackDuration),
		gate.OnSkipPrevented(func(attempted, maxReached time.Duration) {
			a.Metrics.RecordSkipPrevented()
		}),
		gate.OnComplete(func() {
			mode := "tracked"
			if g.Mode() == gate.Fallback {
				mode = "fallback"
			}
			a.Metrics.RecordGateCompleted(mode)
		}),
	}
	g = gate.New(sched, append(base, opts...)...)
	return g
}

// NewRevealer builds a reveal scheduler with the configured timing that
// counts completed reveals.
func (a *App) NewRevealer(sched loop.Scheduler, handler reveal.Handler, opts ...reveal.Option) *reveal.Scheduler {
	counted := func(e reveal.Event) {
		if e.Kind == reveal.AllComplete {
			a.Metrics.RecordRevealCompleted()
		}
		if handler != nil {
			handler(e)
		}
	}
	base := []reveal.Option{
		reveal.WithTiming(RevealTiming(a.Config.Reveal)),
		reveal.WithHandler(counted),
	}
	return reveal.New(sched, append(base, opts...)...)
}

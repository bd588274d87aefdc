package main // Entry point package

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/flash-sale/internal/cacheguard"
	"github.com/iliyamo/flash-sale/internal/clock"
	"github.com/iliyamo/flash-sale/internal/config"
	"github.com/iliyamo/flash-sale/internal/database"
	"github.com/iliyamo/flash-sale/internal/handler"
	"github.com/iliyamo/flash-sale/internal/lock"
	"github.com/iliyamo/flash-sale/internal/logging"
	"github.com/iliyamo/flash-sale/internal/metrics"
	"github.com/iliyamo/flash-sale/internal/middleware"
	"github.com/iliyamo/flash-sale/internal/model"
	"github.com/iliyamo/flash-sale/internal/pipeline"
	"github.com/iliyamo/flash-sale/internal/queue"
	"github.com/iliyamo/flash-sale/internal/repository"
	"github.com/iliyamo/flash-sale/internal/router"
	"github.com/iliyamo/flash-sale/internal/seckill"
	"github.com/iliyamo/flash-sale/internal/sequence"
	"github.com/iliyamo/flash-sale/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	clk := clock.NewSystem()

	db, err := database.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DB.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	locker := lock.NewRedisLocker(rdb)
	pool := cacheguard.NewRebuildPool(cfg.Cache.RebuildWorkers, 256, log)
	defer pool.Close()

	items := repository.NewItemRepo(db)
	activities := repository.NewActivityRepo(db)
	orders := repository.NewOrderRepo(db)

	itemCache, err := newCache[model.Item](cfg.Cache, "item", cfg.Cache.ItemStrategy, rdb, locker, service.ItemLoader(items), pool, clk, log)
	if err != nil {
		return err
	}
	activityCache, err := newCache[model.Activity](cfg.Cache, "activity", cfg.Cache.ActivityStrategy, rdb, locker, service.ActivityLoader(activities), pool, clk, log)
	if err != nil {
		return err
	}

	admission := seckill.NewAdmission(rdb, sequence.NewGenerator(rdb, clk), clk, log, seckill.Options{
		Stream: cfg.Seckill.Stream,
		Scope:  cfg.Seckill.SequenceScope,
	})

	var publisher queue.Publisher = queue.NopPublisher{}
	if cfg.AMQP.Enabled {
		amqpPub := queue.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.OrderQueue, log)
		defer amqpPub.Close()
		publisher = amqpPub
	}

	stream := queue.NewStream(rdb, queue.StreamOptions{
		Name:       cfg.Seckill.Stream,
		Group:      cfg.Seckill.Group,
		Consumer:   cfg.Seckill.Consumer,
		DeadLetter: cfg.Seckill.DeadLetterStream,
	})
	orderPipeline := pipeline.New(stream, orders, locker, publisher, clk, log, pipeline.Options{
		BlockTimeout: cfg.Seckill.BlockTimeout,
		LockTTL:      cfg.Seckill.OrderLockTTL,
		Backoff:      cfg.Seckill.PendingBackoff,
		BackoffMax:   cfg.Seckill.PendingBackoffMax,
	})

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e, handler.Ready(map[string]handler.Pinger{
		"mysql": db.PingContext,
		"redis": redisPing(rdb),
	}))
	router.RegisterSeckill(e,
		handler.NewSeckillHandler(service.NewPurchaseService(activityCache, admission, clk), log),
		cfg.JWT.Secret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
	)
	router.RegisterCatalog(e,
		handler.NewItemHandler(service.NewItemService(items, itemCache), log),
		handler.NewActivityHandler(service.NewActivityService(activities, admission, activityCache), log),
		cfg.JWT.Secret,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orderPipeline.Run(gctx)
	})
	if cfg.AMQP.Enabled && cfg.AMQP.AuditConsumer {
		audit := queue.NewAuditConsumer(cfg.AMQP.URL, cfg.AMQP.OrderQueue, log)
		g.Go(func() error {
			return audit.Run(gctx)
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.App.Port
		log.Info().Str("addr", addr).Str("env", cfg.App.Env).
			Str("consumer", cfg.Seckill.Consumer).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}

func newCache[T any](cfg config.CacheConfig, entity, strategy string, rdb redis.Cmdable, locker lock.Locker,
	load cacheguard.Loader[T], pool *cacheguard.RebuildPool, clk clock.Clock, log zerolog.Logger) (*cacheguard.Cache[T], error) {
	s, err := cacheguard.ParseStrategy(strategy)
	if err != nil {
		return nil, errors.Wrapf(err, "%s cache strategy", entity)
	}
	return cacheguard.New(rdb, locker, load, pool, clk, log, cacheguard.Options{
		Entity:        entity,
		Prefix:        cfg.Prefix,
		Strategy:      s,
		TTL:           cfg.TTL,
		NullTTL:       cfg.NullTTL,
		LockTTL:       cfg.LockTTL,
		RetryInterval: cfg.RetryInterval,
		MaxRetries:    cfg.MaxRetries,
		LogicalTTL:    cfg.LogicalTTL,
	})
}

func redisPing(rdb *redis.Client) handler.Pinger {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// Command offgrid serves a same-origin web application through the offline
// engine: every request is routed to a caching strategy, answered from the
// partitions when the origin is unreachable, and the shell and map imagery
// are precached at startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/offgrid"
	"github.com/unkn0wn-root/offgrid/codec"
	"github.com/unkn0wn-root/offgrid/config"
	"github.com/unkn0wn-root/offgrid/feed"
	"github.com/unkn0wn-root/offgrid/genstore"
	asynchook "github.com/unkn0wn-root/offgrid/hooks/async"
	zapadapter "github.com/unkn0wn-root/offgrid/log/zap"
	"github.com/unkn0wn-root/offgrid/metrics/prom"
	pr "github.com/unkn0wn-root/offgrid/provider"
	bcprovider "github.com/unkn0wn-root/offgrid/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/offgrid/provider/redis"
	rprovider "github.com/unkn0wn-root/offgrid/provider/ristretto"
	"github.com/unkn0wn-root/offgrid/record"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config (env overrides apply on top)")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	zl, err := newZap(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zapadapter.New(zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, gens, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	respCodec, err := codec.ForResponses(cfg.Store.Codec)
	if err != nil {
		return err
	}
	respCodec = codec.Limit[record.Response]{Inner: respCodec, MaxDecode: cfg.Store.MaxDecodeBytes}

	metrics := prom.New(prometheus.DefaultRegisterer, "offgrid", "engine", nil)
	hooks := asynchook.New(offgridHooks{log: log}, 1, 1024)
	defer hooks.Close()

	st, err := offgrid.NewStorage(offgrid.StorageOptions{
		Provider: store,
		Codec:    respCodec,
		GenStore: gens,
		Logger:   log,
		Hooks:    hooks,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	var conn offgrid.Connectivity = offgrid.AlwaysOnline{}
	if cfg.Probe.URL != "" {
		probe := offgrid.NewProbe(ctx, offgrid.ProbeOptions{URL: cfg.Probe.URL, Interval: cfg.Probe.Interval, Logger: log})
		defer probe.Close()
		conn = probe
	}

	origin := cfg.OriginURL()
	opts := offgrid.Options{
		Registry:            cfg.Registry(),
		Storage:             st,
		Origin:              origin,
		Manifest:            cfg.Precache,
		Connectivity:        conn,
		NetworkTimeout:      cfg.NetworkTimeout,
		RefreshTimeout:      cfg.RefreshTimeout,
		PrecacheConcurrency: cfg.PrecacheConcurrency,
		MaxBodyBytes:        int64(cfg.Store.MaxDecodeBytes),
		Logger:              log,
		Hooks:               hooks,
		Metrics:             metrics,
	}
	if _, err := offgrid.New(opts); err != nil {
		return err
	}

	policy := cfg.UpdatePolicy()
	container := offgrid.NewContainer(offgrid.ContainerOptions{Policy: &policy, Logger: log})
	go logEvents(ctx, container, log)
	// requests go to the network until an install succeeds
	go install(ctx, container, opts, cfg, log)

	mux := http.NewServeMux()
	if cfg.Telemetry.MetricsPath != "" {
		mux.Handle(cfg.Telemetry.MetricsPath, promhttp.Handler())
	}
	if cfg.Feed.Path != "" && cfg.Feed.URL != "" {
		points, err := feed.New(feed.Options{
			URL:    cfg.Feed.URL,
			HTTP:   container.Connect("feed").HTTPClient(),
			Store:  store,
			Logger: log,
		})
		if err != nil {
			return err
		}
		mux.Handle(cfg.Feed.Path, feed.Handler(points))
	}
	mux.Handle("/", offgrid.NewHandler(origin, container.Connect("proxy"), log))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", offgrid.Fields{"addr": cfg.Listen, "origin": cfg.Origin, "version": cfg.Version})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = container.Close(shutdownCtx)
	return st.Close(shutdownCtx)
}

func install(ctx context.Context, c *offgrid.Container, opts offgrid.Options, cfg *config.Config, log offgrid.Logger) {
	build := func() (*offgrid.Worker, error) { return offgrid.New(opts) }
	if err := c.RegisterRetry(ctx, build, cfg.Update.RetryMin, cfg.Update.RetryMax); err != nil {
		if ctx.Err() == nil {
			log.Error("register failed", offgrid.Fields{"err": err})
		}
		return
	}
	w := c.Active()
	if w == nil {
		return
	}
	tel := w.Engine().StartTelemetry(ctx, cfg.Telemetry.Interval)
	<-ctx.Done()
	_ = tel.Close()
}

func newZap(cfg config.LogCfg) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.StoreCfg) (pr.Provider, genstore.GenStore, error) {
	switch cfg.Kind {
	case "bigcache":
		p, err := bcprovider.New(ctx, bcprovider.Config{
			LifeWindow:         cfg.BigCache.LifeWindow,
			Shards:             cfg.BigCache.Shards,
			MaxEntrySize:       cfg.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: cfg.BigCache.HardMaxMB,
		})
		return p, nil, err
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		p, err := redisprovider.New(redisprovider.Config{Client: rdb, Prefix: cfg.Redis.Prefix, CloseClient: true})
		if err != nil {
			return nil, nil, err
		}
		var gens genstore.GenStore
		if cfg.Redis.SharedGenerations {
			gens = genstore.NewRedisGenStore(rdb, cfg.Redis.Prefix+"offgrid")
		}
		return p, gens, nil
	default:
		p, err := rprovider.New(rprovider.Config{
			NumCounters: cfg.Ristretto.NumCounters,
			MaxCost:     cfg.Ristretto.MaxCostMB << 20,
			BufferItems: 64,
		})
		return p, nil, err
	}
}

func logEvents(ctx context.Context, c *offgrid.Container, log offgrid.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			f := offgrid.Fields{"kind": ev.Kind.String(), "version": ev.Version}
			if ev.Client != "" {
				f["client"] = ev.Client
			}
			if ev.Err != nil {
				f["err"] = ev.Err
			}
			log.Info("lifecycle event", f)
		}
	}
}

// offgridHooks reports high-signal events through the process logger.
type offgridHooks struct {
	offgrid.NopHooks
	log offgrid.Logger
}

func (h offgridHooks) CacheWriteFailed(partition, url string, err error) {
	h.log.Warn("cache write failed", offgrid.Fields{"partition": partition, "url": url, "err": err})
}

func (h offgridHooks) PrecacheSkipped(url string, err error) {
	h.log.Warn("precache skipped", offgrid.Fields{"url": url, "err": err})
}

func (h offgridHooks) PartitionDeleted(name string) {
	h.log.Info("partition deleted", offgrid.Fields{"partition": name})
}

func (h offgridHooks) StateChanged(version string, from, to offgrid.State) {
	h.log.Info("worker state", offgrid.Fields{"version": version, "from": from.String(), "to": to.String()})
}

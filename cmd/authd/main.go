package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/auth-garden-go/internal/authority"
	"github.com/lk2023060901/auth-garden-go/internal/catalog"
	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/internal/guard"
	"github.com/lk2023060901/auth-garden-go/internal/server"
	"github.com/lk2023060901/auth-garden-go/internal/store"
	"github.com/lk2023060901/auth-garden-go/internal/txn"
	"github.com/lk2023060901/auth-garden-go/internal/world"
	"github.com/lk2023060901/auth-garden-go/pkg/log"
	"github.com/lk2023060901/auth-garden-go/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，留空时只用默认值和环境变量")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, props, err := log.InitLogger(&cfg.Log)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	defer func() { _ = log.Sync() }()

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := newGateway(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer gateway.Close()

	cat := catalog.FromConfig(cfg.Products)
	mgr, err := txn.NewManager(cfg.Txn, gateway, cat)
	if err != nil {
		return err
	}
	defer mgr.Close()

	dir := world.NewDirectory(cfg.Worlds)

	// 仲裁客户端。facade 在其后创建，踢人回调晚绑定。
	var facade *authority.Facade
	var g *guard.Guard
	var guardLink *guard.Link
	if cfg.Guard.Enabled {
		guardLink = guard.NewLink(guard.LinkConfig{
			Addr:             cfg.Guard.Addr,
			DialTimeout:      cfg.Guard.DialTimeout,
			ReconnectInitial: cfg.Guard.ReconnectInitial,
			ReconnectMax:     cfg.Guard.ReconnectMax,
			MaxPayloadSize:   cfg.Server.MaxPayloadSize,
		}, guard.WithOnDown(func() {
			// 链路丢失时立即失败全部在途请求，不做重放。
			g.FailAllWaiting()
		}))
		g = guard.New(guardLink, guard.WithKickFunc(func(id int64) {
			facade.KickByArbiter(id)
		}))
		if err := g.Bind(guardLink.Dispatcher()); err != nil {
			return err
		}
	} else {
		log.Warn("guard disabled, running standalone: logins bypass the arbiter")
	}

	facade = authority.New(cfg.Registry, dir, g, mgr, gateway)

	srv, err := server.New(cfg.Server, facade)
	if err != nil {
		return err
	}

	// 崩溃恢复先于对外服务。
	if n, err := facade.RecoverAll(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Info("unsaved transactions recovered", zap.Int("count", n))
	}

	if guardLink != nil {
		guardLink.Start(ctx)
		defer guardLink.Stop()
	}

	worldLinks := startWorldLinks(ctx, cfg, facade, srv)
	defer func() {
		for _, l := range worldLinks {
			l.Stop()
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveMetrics(ctx, cfg.Metrics.ListenAddr, promRegistry)
	})
	group.Go(func() error {
		err := srv.Serve(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err = group.Wait()
	log.Info("authd exiting")
	return err
}

func newGateway(ctx context.Context, cfg config.StoreConfig) (store.Gateway, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg)
	default:
		log.Warn("using in-memory store, data will not survive a restart")
		return store.NewMemory(), nil
	}
}

func startWorldLinks(ctx context.Context, cfg *config.Config, facade *authority.Facade, srv *server.Server) []*world.Link {
	linkCfg := world.LinkConfig{
		DialTimeout:      cfg.Guard.DialTimeout,
		ReconnectInitial: cfg.Guard.ReconnectInitial,
		ReconnectMax:     cfg.Guard.ReconnectMax,
		MaxPayloadSize:   cfg.Server.MaxPayloadSize,
	}
	links := make([]*world.Link, 0, len(cfg.Worlds))
	for _, w := range cfg.Worlds {
		var l *world.Link
		l = world.NewLink(w, linkCfg, srv.Dispatcher(),
			world.WithUpFunc(func(worldID int) {
				if err := facade.WorldUp(worldID, l); err != nil {
					log.Error("world link attach failed",
						zap.Int("worldID", worldID), zap.Error(err))
				}
			}),
			world.WithDownFunc(facade.WorldDown))
		l.Start(ctx)
		links = append(links, l)
	}
	return links
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

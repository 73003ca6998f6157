// @title Storefront Resource API
// @version 1.0
// @description Products, orders and sales reports. Order changes are streamed on /ws/orders.
// @BasePath /api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"storefront/internal/catalog"
	"storefront/internal/config"
	"storefront/internal/events"
	httpapi "storefront/internal/http"
	"storefront/internal/logger"
	"storefront/internal/orderstore"
	"storefront/internal/report"
	"storefront/internal/repository"
	"storefront/internal/service"
	"storefront/internal/view"

	_ "storefront/docs"
)

func main() {
	app := &cli.App{
		Name:  "storefront",
		Usage: "Resource API for products and orders",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"STOREFRONT_CONFIG"}},
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides config"},
		},
		Action: run,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	products repository.ProductRepository
	orders   repository.OrderRepository
	tx       repository.TxManager
	close    func() error
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			products: repository.NewPostgresProducts(db),
			orders:   repository.NewPostgresOrders(db),
			tx:       repository.NewPostgresTx(db),
			close:    db.Close,
		}, nil
	default:
		store := repository.NewMemoryStore()
		return &stores{
			products: store,
			orders:   repository.NewMemoryOrders(store),
			tx:       repository.NewMemoryTx(store),
			close:    func() error { return nil },
		}, nil
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx := c.Context

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	// views in this process read the hub, remote views read RabbitMQ
	hub := events.NewHub(log)
	publishers := events.Fanout{hub}
	if cfg.AMQP.URL != "" {
		conn, err := events.DialRabbit(ctx, cfg.AMQP.URL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		rp, err := events.NewRabbitPublisher(conn, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer rp.Close()
		publishers = append(publishers, rp)
	}

	var cache catalog.Cache = catalog.NewMemoryCache()
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Cache.RedisAddr, err)
		}
		cache = catalog.NewRedisCache(rdb, "storefront:")
	}

	productsSvc := service.NewProductService(st.products)
	resolver := catalog.NewResolver(productsSvc, cache, cfg.Cache.ProductTTL, log)
	productsSvc.WithInvalidator(resolver)
	ordersSvc := service.NewOrderService(st.products, st.orders, st.tx, publishers, log)

	// reports come from the server's own view of the orders
	session := orderstore.NewSession(ordersSvc, hub, log)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()
	admin := view.NewAdmin(session, ordersSvc, resolver, nil, report.Options{RevenueStatuses: cfg.Reports.RevenueStatuses}, log)

	srv := httpapi.NewServer(productsSvc, ordersSvc, log, httpapi.WithEvents(hub), httpapi.WithReporter(admin))
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: traced(srv.Engine()),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", httpServer.Addr, "storage", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-session.Done():
			// reports would go stale; let the supervisor restart us
			err = fmt.Errorf("report session stopped: %w", session.Err())
			log.Error("report session stopped", "error", session.Err())
		}
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if serr := httpServer.Shutdown(sctx); serr != nil {
			log.Error("shutdown error", "error", serr)
		}
		return err
	})
	return g.Wait()
}

// traced wraps h in a server span per request. Long-lived streams and health
// probes are left out.
func traced(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "storefront",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, "/ws/") && r.URL.Path != "/healthz"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

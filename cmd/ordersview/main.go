// Command ordersview is a terminal back office for the Resource API. It keeps
// its own order store in sync from the event stream and sends changes back
// over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"storefront/internal/catalog"
	"storefront/internal/client"
	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/logger"
	"storefront/internal/orderstore"
	"storefront/internal/report"
	"storefront/internal/view"
)

func main() {
	app := &cli.App{
		Name:  "ordersview",
		Usage: "watch and manage storefront orders",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api", Value: "http://localhost:8080/api/v1", Usage: "Resource API base URL", EnvVars: []string{"STOREFRONT_API"}},
			&cli.StringFlag{Name: "events", Value: "ws", Usage: "event channel: ws or amqp"},
			&cli.StringFlag{Name: "ws-url", Usage: "order stream URL, derived from --api when empty"},
			&cli.StringFlag{Name: "amqp-url", EnvVars: []string{"STOREFRONT_AMQP_URL"}},
			&cli.StringFlag{Name: "amqp-exchange", Value: "storefront.orders", EnvVars: []string{"STOREFRONT_AMQP_EXCHANGE"}},
			&cli.StringFlag{Name: "log-level", Value: "warn"},
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "print the order list every time it changes",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status", Usage: "only these statuses"},
					&cli.StringFlag{Name: "search", Usage: "order id prefix, customer, contact or product title"},
					&cli.StringFlag{Name: "order", Value: "newest", Usage: "newest, oldest or arrival"},
					&cli.IntFlag{Name: "limit"},
				},
				Action: watch,
			},
			{
				Name:   "report",
				Usage:  "print a sales report",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "range", Value: "today", Usage: "today, week, month or all"}},
				Action: printReport,
			},
			{
				Name:      "set-status",
				Usage:     "move an order to another status",
				ArgsUsage: "ORDER_ID STATUS",
				Action:    setStatus,
			},
			{
				Name:      "delete",
				Usage:     "delete an order",
				ArgsUsage: "ORDER_ID",
				Action:    deleteOrder,
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	api      *client.Client
	resolver *catalog.Resolver
	sub      events.Subscriber
	log      *slog.Logger
	closers  []io.Closer
}

func (e *env) Close() {
	for _, c := range e.closers {
		_ = c.Close()
	}
}

func newEnv(c *cli.Context) (*env, error) {
	log := logger.New(logger.Options{Level: c.String("log-level"), Format: "text", Output: os.Stderr})
	base := strings.TrimRight(c.String("api"), "/")
	api := client.New(base)
	e := &env{
		api:      api,
		resolver: catalog.NewResolver(api, nil, time.Minute, log),
		log:      log,
	}

	switch c.String("events") {
	case "ws":
		wsURL := c.String("ws-url")
		if wsURL == "" {
			wsURL = streamURL(base)
		}
		e.sub = events.NewWebSocketSubscriber(wsURL, log)
	case "amqp":
		if c.String("amqp-url") == "" {
			return nil, errors.New("--amqp-url is required with --events=amqp")
		}
		conn, err := events.DialRabbit(c.Context, c.String("amqp-url"), log)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, conn)
		e.sub = events.NewRabbitSubscriber(conn, c.String("amqp-exchange"), log)
	default:
		return nil, fmt.Errorf("unknown event channel %q", c.String("events"))
	}
	return e, nil
}

// streamURL maps http://host:8080/api/v1 to ws://host:8080/ws/orders.
func streamURL(apiBase string) string {
	u := strings.TrimSuffix(apiBase, "/api/v1")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/orders"
}

func parseSort(v string) (orderstore.SortKey, error) {
	switch v {
	case "", "newest":
		return orderstore.CreatedDesc, nil
	case "oldest":
		return orderstore.CreatedAsc, nil
	case "arrival":
		return orderstore.Arrival, nil
	}
	return 0, fmt.Errorf("unknown order %q", v)
}

func watch(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	f := view.Filter{Search: c.String("search"), Limit: c.Int("limit")}
	for _, v := range c.StringSlice("status") {
		st, err := domain.ParseOrderStatus(v)
		if err != nil {
			return err
		}
		f.Statuses = append(f.Statuses, st)
	}
	if f.Sort, err = parseSort(c.String("order")); err != nil {
		return err
	}

	return resync(c.Context, e.log, 2*time.Second, func(ctx context.Context) error {
		return watchOnce(ctx, e, f)
	})
}

// resync reruns run after the event stream drops: events were lost, so the
// list starts over from a snapshot. Any other failure, a failed load included,
// goes back to the user.
func resync(ctx context.Context, log *slog.Logger, pause time.Duration, run func(context.Context) error) error {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, orderstore.ErrSubscriptionClosed) {
			return err
		}
		log.Warn("event stream dropped, resyncing order list", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
}

func watchOnce(ctx context.Context, e *env, f view.Filter) error {
	changed := make(chan struct{}, 1)
	session := orderstore.NewSession(e.api, e.sub, e.log, orderstore.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()
	admin := view.NewAdmin(session, e.api, e.resolver, nil, report.DefaultOptions(), e.log)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return session.Err()
		case <-changed:
			printRows(os.Stdout, admin.Orders(ctx, f))
		}
	}
}

func printRows(w io.Writer, rows []view.Row) {
	fmt.Fprintf(w, "\n%s  %d orders\n", time.Now().Format("15:04:05"), len(rows))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tCUSTOMER\tPRODUCT\tQTY\tOPTIONS")
	for _, r := range rows {
		opts := r.Order.SelectedOptions.Size
		if len(r.Order.SelectedOptions.Toppings) > 0 {
			opts = strings.TrimPrefix(opts+" +"+strings.Join(r.Order.SelectedOptions.Toppings, ","), " ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Order.ID,
			r.Order.CreatedAt.Local().Format("01-02 15:04"),
			r.Order.Status,
			r.Order.CustomerName,
			r.Product.Title,
			r.Order.Quantity,
			opts,
		)
	}
	_ = tw.Flush()
}

// oneShot loads a session, runs fn against it and shuts it down.
func oneShot(c *cli.Context, fn func(ctx context.Context, admin *view.Admin) error) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	session := orderstore.NewSession(e.api, e.sub, e.log)
	if err := session.Start(c.Context); err != nil {
		return err
	}
	defer session.Stop()
	return fn(c.Context, view.NewAdmin(session, e.api, e.resolver, nil, report.DefaultOptions(), e.log))
}

func printReport(c *cli.Context) error {
	rng, err := report.ParseRange(c.String("range"))
	if err != nil {
		return err
	}
	return oneShot(c, func(ctx context.Context, admin *view.Admin) error {
		s := admin.Report(ctx, rng)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "range\t%s\n", s.Range)
		fmt.Fprintf(tw, "orders\t%d\n", s.TotalOrders)
		fmt.Fprintf(tw, "completed\t%d\n", s.CompletedOrders)
		fmt.Fprintf(tw, "revenue\t%s\n", s.Revenue.StringFixed(2))
		fmt.Fprintf(tw, "average\t%s\n", s.AverageOrderValue.StringFixed(2))
		for _, st := range domain.OrderStatuses {
			fmt.Fprintf(tw, "  %s\t%d\n", st, s.ByStatus[st])
		}
		fmt.Fprintln(tw, "top products\t")
		for i, p := range s.TopProducts {
			fmt.Fprintf(tw, "  %d. %s\t%d pcs, %s\n", i+1, p.Product.Title, p.Quantity, p.Revenue.StringFixed(2))
		}
		return tw.Flush()
	})
}

func setStatus(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: ordersview set-status ORDER_ID STATUS", 2)
	}
	st, err := domain.ParseOrderStatus(c.Args().Get(1))
	if err != nil {
		return err
	}
	return oneShot(c, func(ctx context.Context, admin *view.Admin) error {
		op, err := admin.ChangeStatus(ctx, c.Args().Get(0), st)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", op.Kind, c.Args().Get(0), op.State)
		return nil
	})
}

func deleteOrder(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: ordersview delete ORDER_ID", 2)
	}
	return oneShot(c, func(ctx context.Context, admin *view.Admin) error {
		op, err := admin.Delete(ctx, c.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %s\n", op.Kind, c.Args().Get(0), op.State)
		return nil
	})
}

// Package main implements the tailroute operator CLI.
// It inspects and drives the shard table routers of the configured entities:
// list known tails, resolve keys to tables, show which tables a query scans,
// provision tables ahead of writes, and serve the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	httpapi "github.com/arkilian/tailroute/internal/api/http"
	"github.com/arkilian/tailroute/internal/app"
	"github.com/arkilian/tailroute/internal/config"
	"github.com/arkilian/tailroute/internal/logging"
	"github.com/arkilian/tailroute/internal/server"
	"github.com/arkilian/tailroute/pkg/types"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the global flags.
type options struct {
	configFile  string
	envFile     string
	driver      string
	dsn         string
	entities    string
	addr        string
	timeKey     bool
	showVersion bool
	showHelp    bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tailroute", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	fs.StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: ./.env if present)")
	fs.StringVar(&opts.driver, "driver", "", "Store driver: sqlite, postgres")
	fs.StringVar(&opts.dsn, "dsn", "", "Store data source name")
	fs.StringVar(&opts.entities, "entities", "", "Comma separated entity names to route")
	fs.StringVar(&opts.addr, "addr", ":8090", "Listen address for serve")
	fs.BoolVar(&opts.timeKey, "time", false, "Parse keys as RFC 3339 timestamps")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")
	fs.BoolVar(&opts.showHelp, "help", false, "Show help message")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "tailroute - shard table router for partitioned entities\n\n")
		fmt.Fprintf(stderr, "Usage: tailroute [options] <command> [arguments]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  tails   <entity>               List known tails and their tables\n")
		fmt.Fprintf(stderr, "  resolve <entity> <key>         Show the table of a key without creating it\n")
		fmt.Fprintf(stderr, "  route   <entity> <op> [key]    Show the tables a query must scan\n")
		fmt.Fprintf(stderr, "  ensure  <entity> <key>...      Create the tables of keys if missing\n")
		fmt.Fprintf(stderr, "  stats                          Show router statistics\n")
		fmt.Fprintf(stderr, "  serve                          Serve the admin HTTP API\n")
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  tailroute -dsn shop.db -entities Order tails Order\n")
		fmt.Fprintf(stderr, "  tailroute -config /etc/tailroute/config.yaml route Order '>=' 202402\n")
		fmt.Fprintf(stderr, "  tailroute -time ensure Order 2024-03-15T00:00:00Z\n")
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  TAILROUTE_STORE_DRIVER       Store driver (sqlite, postgres)\n")
		fmt.Fprintf(stderr, "  TAILROUTE_STORE_DSN          Store data source name\n")
		fmt.Fprintf(stderr, "  TAILROUTE_ENTITIES           Comma separated entity names\n")
		fmt.Fprintf(stderr, "  TAILROUTE_ROUTING_*          Routing settings (lock_mode, failure_policy, ...)\n")
		fmt.Fprintf(stderr, "  TAILROUTE_LOG_LEVEL          Log level\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.showHelp {
		fs.Usage()
		return 0
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "tailroute version %s (commit: %s)\n", version, commit)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := logging.NewWithOutput(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid log configuration: %v\n", err)
		return 1
	}

	application, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer application.Close()

	c := &cli{app: application, out: stdout, timeKey: opts.timeKey, addr: opts.addr, log: logger}
	if err := c.dispatch(ctx, rest[0], rest[1:]); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig loads configuration from file, .env, environment, and command line flags.
func loadConfig(opts options) (*config.Config, error) {
	if err := loadEnvFile(opts.envFile); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error
	if opts.configFile != "" {
		cfg, err = config.LoadFromFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority
	if opts.driver != "" {
		cfg.Store.Driver = config.Driver(opts.driver)
	}
	if opts.dsn != "" {
		cfg.Store.DSN = opts.dsn
	}
	for _, name := range strings.Split(opts.entities, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := cfg.Entity(name); !ok {
			cfg.Entities = append(cfg.Entities, types.NewEntity(name))
		}
	}
	return cfg, nil
}

// loadEnvFile loads path into the environment without overriding set variables.
// With no path, ./.env is loaded when it exists.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// cli runs one command against the application.
type cli struct {
	app     *app.App
	out     io.Writer
	timeKey bool
	addr    string
	log     *logrus.Logger
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "tails":
		return c.tails(args)
	case "resolve":
		return c.resolve(args)
	case "route":
		return c.route(args)
	case "ensure":
		return c.ensure(ctx, args)
	case "stats":
		return c.stats()
	case "serve":
		return c.serve(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) key(s string) (interface{}, error) {
	if !c.timeKey {
		return s, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time key %q: %w", s, err)
	}
	return t, nil
}

func (c *cli) tails(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tails <entity>")
	}
	r, err := c.app.Router(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAIL\tTABLE")
	for _, t := range r.TablesByTail() {
		fmt.Fprintf(w, "%s\t%s\n", t.Tail, t.Table)
	}
	return w.Flush()
}

func (c *cli) resolve(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resolve <entity> <key>")
	}
	r, err := c.app.Router(args[0])
	if err != nil {
		return err
	}
	key, err := c.key(args[1])
	if err != nil {
		return err
	}
	tail, err := r.Resolve(key)
	if err != nil {
		return err
	}
	state := "missing"
	if r.Known(tail) {
		state = "known"
	}
	fmt.Fprintf(c.out, "%s\t%s\n", r.Table(tail), state)
	return nil
}

func (c *cli) route(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: route <entity> <op> [key]")
	}
	r, err := c.app.Router(args[0])
	if err != nil {
		return err
	}
	op := types.ParseOperator(args[1])
	var key interface{}
	if len(args) == 3 {
		if key, err = c.key(args[2]); err != nil {
			return err
		}
	}
	tables, err := r.RouteQuery(op, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# policy: %s\n", r.Policy(op))
	for _, t := range tables {
		fmt.Fprintln(c.out, t)
	}
	return nil
}

func (c *cli) ensure(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ensure <entity> <key>...")
	}
	r, err := c.app.Router(args[0])
	if err != nil {
		return err
	}
	failed := 0
	for _, arg := range args[1:] {
		key, err := c.key(arg)
		if err != nil {
			return err
		}
		table, err := r.RouteWrite(ctx, key)
		if err != nil {
			return err
		}
		tail, _ := r.Resolve(key)
		if r.Known(tail) {
			fmt.Fprintf(c.out, "%s\tready\n", table)
		} else {
			fmt.Fprintf(c.out, "%s\tfailed\n", table)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d table(s) could not be created, see log", failed)
	}
	return nil
}

func (c *cli) stats() error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tTAILS\tCREATED\tFAILED\tQUARANTINED\tDEGRADED")
	for _, s := range c.app.Stats() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%t\n",
			s.Entity, s.KnownTails, s.Created, s.Failed, s.Quarantined, s.DegradedStart)
	}
	return w.Flush()
}

func (c *cli) serve(ctx context.Context) error {
	entry := logging.Component(c.log, "cli")
	var registry *prometheus.Registry
	if m := c.app.Metrics(); m != nil {
		registry = m.Registry()
	}

	sm := server.NewShutdownManager(server.DefaultShutdownConfig(), entry)
	handler := httpapi.NewHandler(c.app, logrus.NewEntry(c.log))
	srv := &http.Server{
		Handler:      sm.Middleware(httpapi.NewRouter(handler, registry)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sm.Serve(srv, ln) }()

	go func() {
		if err := sm.ListenForSignals(ctx); err != nil {
			entry.WithError(err).Warn("shutdown error")
		}
	}()

	err = <-errCh
	if err != nil {
		// Serve failed on its own; release the signal listener.
		sm.Shutdown(context.Background(), "server error")
	}
	return err
}

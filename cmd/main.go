package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/l0p7/querykit/internal/config"
	"github.com/l0p7/querykit/internal/logging"
	"github.com/l0p7/querykit/internal/query"
	"github.com/l0p7/querykit/internal/runtime"
	"github.com/l0p7/querykit/internal/server"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `help:"Path to a YAML, JSON or TOML configuration file." short:"c" type:"path"`
	EnvPrefix string `help:"Environment variable prefix." name:"env-prefix" default:"QUERYKIT"`
}

// CLI is the querykit command grammar.
type CLI struct {
	Globals

	Serve  serveCmd  `cmd:"" default:"1" help:"Run the query cache with the diagnostics server."`
	Get    getCmd    `cmd:"" help:"Read a query through the cache and print its value."`
	Mutate mutateCmd `cmd:"" help:"Send a mutation and report what it invalidated."`
	User   userCmd   `cmd:"" help:"Print the signed-in user."`
}

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, file)}
	}
	newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parser, err := newParser(os.Stdout, os.Stderr, kong.BindTo(ctx, (*context.Context)(nil)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newParser(stdout, stderr io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	var cli CLI
	options := append([]kong.Option{
		kong.Name("querykit"),
		kong.Description("Client-side query cache with mutation-driven invalidation."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Bind(&cli.Globals),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	}, opts...)
	return kong.New(&cli, options...)
}

type serveCmd struct{}

func (c *serveCmd) Run(ctx context.Context, g *Globals) error {
	loader := newConfigLoader(g.EnvPrefix, g.Config)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	rt, err := runtime.New(logger, cfg, runtime.Options{})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()
	rt.Start(ctx)

	if strings.TrimSpace(g.Config) != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := rt.Reload(next); err != nil {
				logger.Error("configuration reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg.Diagnostics.Listen, logger, server.NewHandler(rt, logger))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

type getCmd struct {
	Path   string   `arg:"" help:"Query path, e.g. /api/orders."`
	Params []string `arg:"" optional:"" help:"Key parameters appended to the path."`
}

func (c *getCmd) Run(ctx context.Context, g *Globals, out io.Writer) error {
	rt, err := oneShot(ctx, g, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	params := make([]any, 0, len(c.Params))
	for _, p := range c.Params {
		params = append(params, p)
	}
	value, err := rt.Read(ctx, query.NewKey(c.Path, params...))
	if err != nil {
		return errors.New(rt.Notify(err))
	}
	raw, err := query.Decode[json.RawMessage](value)
	if err != nil {
		return err
	}
	return writeJSON(out, raw)
}

type mutateCmd struct {
	Method string `arg:"" help:"HTTP method, e.g. POST."`
	URL    string `arg:"" help:"Target URL, e.g. /api/orders."`
	Data   string `help:"JSON request body." short:"d"`
}

// MutationReport is printed by the mutate command.
type MutationReport struct {
	Value       json.RawMessage `json:"value,omitempty"`
	Invalidated []string        `json:"invalidated"`
	Entries     int             `json:"entries"`
}

func (c *mutateCmd) Run(ctx context.Context, g *Globals, out io.Writer) error {
	var body any
	if data := strings.TrimSpace(c.Data); data != "" {
		if !json.Valid([]byte(data)) {
			return errors.New("--data must be valid JSON")
		}
		body = json.RawMessage(data)
	}

	rt, err := oneShot(ctx, g, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := rt.Mutate(ctx, c.Method, c.URL, body)
	if !result.OK() {
		return errors.New(rt.Notify(result.Err))
	}
	invalidated := result.Invalidated
	if invalidated == nil {
		invalidated = []string{}
	}
	return writeJSON(out, MutationReport{Value: result.Value, Invalidated: invalidated, Entries: result.Entries})
}

type userCmd struct{}

func (c *userCmd) Run(ctx context.Context, g *Globals, out io.Writer) error {
	rt, err := oneShot(ctx, g, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	user, err := rt.CurrentUser(ctx)
	if err != nil {
		return errors.New(rt.Notify(err))
	}
	if user == nil {
		_, err := fmt.Fprintln(out, "not signed in")
		return err
	}
	return writeJSON(out, user)
}

// oneShot builds a runtime that logs to stderr so stdout carries only the
// command result. Only mutations publish invalidations to peers.
func oneShot(ctx context.Context, g *Globals, publish bool) (*runtime.Runtime, error) {
	cfg, err := newConfigLoader(g.EnvPrefix, g.Config).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	cfg.Broadcast.Enabled = cfg.Broadcast.Enabled && publish
	rt, err := runtime.New(logger, cfg, runtime.Options{})
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	return rt, nil
}

func writeJSON(out io.Writer, payload any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

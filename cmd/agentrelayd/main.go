package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/modoterra/agentrelay/internal/buildinfo"
	"github.com/modoterra/agentrelay/pkg/config"
	"github.com/modoterra/agentrelay/pkg/daemon"
	"github.com/modoterra/agentrelay/pkg/transport/httpapi"
)

type options struct {
	configPath string
	socket     string
	listen     string
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("agentrelayd %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon error", "err", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("agentrelayd", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", config.DefaultFile, "path to agentrelay.yaml")
	fs.StringVar(&opts.socket, "socket", "", "control socket path (overrides config)")
	fs.StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig reads and validates the config file, then applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.socket != "" {
		cfg.Socket = opts.socket
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", cfg.FilePath, errors.Join(errs...))
	}
	return cfg, nil
}

// run serves the control socket, the HTTP API and the session janitor until
// ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	state, err := daemon.NewState(cfg, logger)
	if err != nil {
		return err
	}

	d := daemon.New(cfg.SocketPath(), state, logger)
	defer d.Shutdown()

	api := httpapi.NewServer(cfg.Listen, httpapi.NewHandler(state.Chat, state.Store, logger), logger)
	if err := api.Listen(); err != nil {
		return err
	}

	janitor := daemon.NewJanitor(state, d.Server(), cfg.Sessions.TTL, cfg.Sessions.SweepInterval, logger)

	logger.Info("starting agentrelayd",
		"version", buildinfo.Version,
		"config", cfg.FilePath,
		"script", cfg.Agent.Script,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx) })
	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-d.Ready():
			notify(logger, sddaemon.SdNotifyReady)
		case <-gctx.Done():
			return nil
		}
		<-gctx.Done()
		logger.Info("shutting down")
		notify(logger, sddaemon.SdNotifyStopping)
		return nil
	})
	return g.Wait()
}

// notify reports state to systemd when running as a notify unit.
func notify(logger *slog.Logger, state string) {
	sent, err := sddaemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "err", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}

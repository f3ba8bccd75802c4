package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bingosuite/chatsync/config"
	"github.com/bingosuite/chatsync/internal/binding"
	"github.com/bingosuite/chatsync/internal/discovery"
	"github.com/bingosuite/chatsync/internal/host"
	"github.com/bingosuite/chatsync/internal/hub"
	"github.com/bingosuite/chatsync/internal/link"
	"github.com/bingosuite/chatsync/internal/logging"
	"github.com/bingosuite/chatsync/internal/model"
	"github.com/bingosuite/chatsync/internal/onebot"
)

var (
	configPath string
	verbose    bool
	headless   bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Relay chat between game servers and chat groups",
	Long: `chatsync runs one game server's side of a chat federation.

With main_server enabled it accepts links from the other servers and, when
qq_bot_enabled is set, serves the OneBot v11 websocket for a bot client.
Otherwise it connects to the main server and relays its own events.

Local players are simulated on the console: type "name: text" to chat or
/help for the other commands.`,
	SilenceUsage: true,
	RunE:         run,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s server %q\n", cfg.Role(), cfg.MCServerName)
		fmt.Fprintf(out, "link: %s\n", cfg.LinkAddr())
		if cfg.MainServer && cfg.QQBotEnabled {
			fmt.Fprintf(out, "onebot gateway: %s groups %v\n", cfg.GatewayAddr(), cfg.QQGroupID)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yml", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "Do not read console input; run until interrupted")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log := logging.New(level, os.Stderr, logging.IsTerminal(os.Stderr))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := host.NewConsole(os.Stdout, logging.IsTerminal(os.Stdin), log)
	log.Info().Str("role", cfg.Role().String()).Str("server", cfg.MCServerName).Msg("Starting chatsync")

	if cfg.Role() == model.RoleMain {
		return runMain(ctx, cfg, console, log)
	}
	return runSubordinate(ctx, cfg, console, log)
}

func linkOptions(cfg *config.Config) link.Options {
	return link.Options{
		QueueSize:         cfg.Link.QueueSize,
		MaxFrameSize:      cfg.Link.MaxFrameSize,
		HeartbeatInterval: cfg.Link.HeartbeatInterval,
		HandshakeTimeout:  cfg.Link.HandshakeTimeout,
	}
}

func runMain(ctx context.Context, cfg *config.Config, console *host.Console, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var h *hub.Hub
	bridge := host.NewBridge(cfg.MCServerName, console, host.SubmitFunc(func(ev model.MessageEvent) { h.Submit(ev) }), log)
	console.SetListener(bridge)

	opts := hub.Options{
		Policy:      cfg.Policy(),
		Groups:      cfg.Groups(),
		Commands:    cfg.QQCommands,
		RequireBind: cfg.RequireBind,
	}

	var gw *onebot.Gateway
	if cfg.QQBotEnabled {
		gw = onebot.New(onebot.Options{
			Addr:        cfg.GatewayAddr(),
			Token:       cfg.OneBotAccessToken,
			CallTimeout: cfg.Gateway.CallTimeout,
			AckTimeout:  cfg.Gateway.AckTimeout,
		}, nil, log)
		opts.Sender = gw

		store, err := binding.Open(ctx, cfg.BindStore.Driver, cfg.BindStore.DSN, log)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Bindings = store
	}

	h = hub.New(bridge, opts, log)
	console.SetStatus(func() string { return h.Status().String() })

	ln, err := link.Listen(cfg.LinkAddr(), cfg.MainServerPassword, linkOptions(cfg), log)
	if err != nil {
		return err
	}

	if gw != nil {
		gw.SetHandler(h)
		gw.SetStatus(func() any { return h.Status() })
		if err := gw.Start(ctx); err != nil {
			_ = ln.Close()
			return err
		}
		defer gw.Close()
	}

	if cfg.ConsulAddr != "" {
		reg, err := discovery.New(cfg.ConsulAddr, log)
		if err != nil {
			return err
		}
		switch err := reg.Announce(ctx, cfg.MCServerName, ln.Addr().String()); {
		case errors.Is(err, discovery.ErrUnroutable):
			log.Warn().Str("addr", ln.Addr().String()).Msg("Not announcing a wildcard link address, set main_server_host to a routable address")
		case err != nil:
			log.Warn().Err(err).Msg("Discovery announcement failed, subordinates need main_server_host")
		default:
			defer func() {
				if err := reg.Withdraw(); err != nil {
					log.Warn().Err(err).Msg("Discovery withdrawal failed")
				}
			}()
		}
	}

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	wg.Add(4)
	go func() {
		defer wg.Done()
		h.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := h.Serve(ctx, ln); err != nil {
			errc <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		watchConfig(ctx, cfg, log, func(next *config.Config) { h.SetPolicy(next.Policy()) })
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		runConsole(ctx, console, log)
	}()

	wg.Wait()
	log.Info().Msg("Shut down")
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func runSubordinate(ctx context.Context, cfg *config.Config, console *host.Console, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var relay *hub.Relay
	bridge := host.NewBridge(cfg.MCServerName, console, host.SubmitFunc(func(ev model.MessageEvent) { relay.Submit(ev) }), log)
	console.SetListener(bridge)

	connector := &link.Connector{
		Addr:    cfg.LinkAddr(),
		Secret:  cfg.MainServerPassword,
		Name:    cfg.MCServerName,
		Options: linkOptions(cfg),
		Initial: cfg.Link.ReconnectInitial,
		Max:     cfg.Link.ReconnectMax,
		Log:     log,
	}
	if cfg.ConsulAddr != "" {
		reg, err := discovery.New(cfg.ConsulAddr, log)
		if err != nil {
			return err
		}
		connector.Resolve = reg.Resolve
	}

	relay = hub.NewRelay(bridge, connector, log)
	console.SetStatus(func() string { return relay.Status().String() })

	var (
		wg     sync.WaitGroup
		runErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr = relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		runConsole(ctx, console, log)
	}()
	wg.Wait()

	if errors.Is(runErr, link.ErrAuthFailed) {
		return fmt.Errorf("main server rejected main_server_password or mc_server_name: %w", runErr)
	}
	return runErr
}

// runConsole returns when the console quits, or with ctx when headless.
func runConsole(ctx context.Context, console *host.Console, log zerolog.Logger) {
	if headless {
		<-ctx.Done()
		return
	}
	if err := console.Run(ctx, os.Stdin); err != nil {
		log.Warn().Err(err).Msg("Console stopped")
	}
}

// watchConfig applies routing changes from the config file. Settings that
// need a restart are reported and otherwise ignored.
func watchConfig(ctx context.Context, cfg *config.Config, log zerolog.Logger, apply func(*config.Config)) {
	if _, err := os.Stat(configPath); err != nil {
		log.Debug().Str("path", configPath).Msg("No config file to watch")
		return
	}
	err := config.Watch(ctx, configPath, log, func(next *config.Config) {
		if fixed := config.FixedFieldsChanged(cfg, next); len(fixed) > 0 {
			log.Warn().Strs("fields", fixed).Msg("Restart required for these config changes")
		}
		apply(next)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher stopped")
	}
}

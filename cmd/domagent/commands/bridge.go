package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaishnavucv/domagent/internal/api"
	"github.com/vaishnavucv/domagent/internal/bridge"
	"github.com/vaishnavucv/domagent/internal/config"
	"github.com/vaishnavucv/domagent/internal/journal"
	"github.com/vaishnavucv/domagent/internal/netutil"
	"github.com/vaishnavucv/domagent/internal/relay"
)

func newBridgeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the bridge the agent connects to",
		Long: `Run the bridge. The agent dials its /extension websocket; clients drive the
browser through the REST API under /api/v1 and follow forwarded events on
/api/v1/events.

With --mcp the same operations are also served as MCP tools over stdio and
logs go to stderr. Add it to an MCP client configuration:

  {
    "mcpServers": {
      "domagent": {
        "command": "domagent",
        "args": ["bridge", "--mcp"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, version)
		},
	}
	cmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
	return cmd
}

func runBridge(cmd *cobra.Command, version string) error {
	cfg, err := config.LoadBridge()
	if err != nil {
		return err
	}
	serveMCP, _ := cmd.Flags().GetBool("mcp")

	var console io.Writer = os.Stdout
	if serveMCP {
		console = os.Stderr
	}
	if err := setupLogger(logLevelOverride(cmd, cfg.LogLevel), cfg.LogFile, console); err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}

	slog.Info("bridge config loaded",
		"bind_host", cfg.BindHost,
		"port", cfg.Port,
		"port_candidates", cfg.PortCandidates,
		"auto_port", cfg.AutoPort,
		"extension_path", cfg.ExtensionPath,
		"command_timeout", cfg.CommandTimeout,
		"event_log", cfg.EventLog,
		"feeds", cfg.FeedsPath,
		"mcp", serveMCP,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindHost, cfg.Port, cfg.PortCandidates, cfg.AutoPort)
	if err != nil {
		return fmt.Errorf("select bind address: %w", err)
	}
	if !netutil.IsLoopbackHost(cfg.BindHost) {
		slog.Warn("bridge bound to a non-loopback address; the REST API has no authentication", "bind_host", cfg.BindHost)
	}

	feeds := relay.DefaultConfig()
	if cfg.FeedsPath != "" {
		if feeds, err = relay.LoadConfig(cfg.FeedsPath); err != nil {
			return fmt.Errorf("load feeds: %w", err)
		}
	}
	broker := relay.NewBroker()
	defer broker.Close()
	events, err := relay.NewRelay(feeds, broker)
	if err != nil {
		return fmt.Errorf("build event relay: %w", err)
	}
	if cfg.EventLog != "" {
		jw := journal.Open(cfg.EventLog, 1024, 50)
		events.SetRecorder(jw)
		defer func() {
			if err := jw.Close(); err != nil {
				slog.Warn("event journal close failed", "error", err)
			}
			written, dropped := jw.Stats()
			slog.Info("event journal closed", "written", written, "dropped", dropped)
		}()
	}

	link := bridge.NewServer(bridge.Options{
		CommandTimeout: cfg.CommandTimeout,
		PingInterval:   cfg.PingInterval,
		Events:         events,
		AllowRemote:    cfg.AllowRemote,
	})
	defer link.Close()

	srv := &http.Server{
		Addr: bindAddr,
		Handler: api.NewBridgeServer(link, api.BridgeRoutes{
			ExtensionPath: cfg.ExtensionPath,
			Extension:     link.ServeExtension,
			Health:        bridge.HealthHandler,
			Events:        relay.SSEHandler(broker),
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("bridge listening",
			"addr", bindAddr,
			"extension", "ws://"+bindAddr+cfg.ExtensionPath,
			"docs", "http://"+bindAddr+"/docs",
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if serveMCP {
		go func() {
			slog.Info("bridge mcp serving on stdio")
			if err := bridge.ServeStdio(ctx, bridge.NewMCPServer(link, version), os.Stdin, os.Stdout); err != nil {
				slog.Error("bridge mcp stopped", "error", err)
			}
			// stdin closing ends the MCP session, and with it the process.
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("bridge shutting down")
	case err := <-serveErr:
		slog.Error("bridge server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	link.Close()
	broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("bridge shutdown failed", "error", err)
	}
	published, unmatched := events.Stats()
	slog.Info("bridge stopped", "events_published", published, "events_unmatched", unmatched, "sse_dropped", broker.Dropped())
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vaishnavucv/domagent/internal/api"
	"github.com/vaishnavucv/domagent/internal/browser"
	"github.com/vaishnavucv/domagent/internal/cdpcontrol"
	"github.com/vaishnavucv/domagent/internal/config"
	"github.com/vaishnavucv/domagent/internal/notify"
	"github.com/vaishnavucv/domagent/internal/pageexec"
	"github.com/vaishnavucv/domagent/internal/relaylink"
	"github.com/vaishnavucv/domagent/internal/session"
	"github.com/vaishnavucv/domagent/internal/statestore"
	"github.com/vaishnavucv/domagent/internal/status"
)

const guidanceText = "domagent could not reach its bridge. Start it with `domagent bridge` " +
	"and check DOMAGENT_RELAY_HOST and DOMAGENT_RELAY_PORT."

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the browser-side agent",
		Long: `Run the agent next to the browser. It attaches to eligible tabs through the
browser's debugging endpoint, connects to the bridge on demand and serves a
local status API.

Examples:
  domagent agent
  domagent agent --launch-browser
  DOMAGENT_BACKEND=executor domagent agent`,
		Args: cobra.NoArgs,
		RunE: runAgent,
	}
	cmd.Flags().Bool("launch-browser", false, "start a local Chromium with remote debugging before connecting")
	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	if launch, _ := cmd.Flags().GetBool("launch-browser"); launch {
		cfg.LaunchBrowser = true
	}
	if err := setupLogger(logLevelOverride(cmd, cfg.LogLevel), cfg.LogFile, os.Stdout); err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}

	slog.Info("agent config loaded",
		"relay_ws_url", cfg.RelayWSURL(),
		"cdp_url", cfg.CDPURL(),
		"backend", cfg.Backend,
		"state_store", cfg.StateStore,
		"state_path", cfg.StatePath,
		"scan_schedule", cfg.ScanSchedule,
		"eligible_urls", cfg.EligibleURLs,
		"status_addr", cfg.StatusAddr,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			ChromiumPath: cfg.ChromiumPath,
			CDPAddress:   cfg.CDPAddress,
			CDPPort:      cfg.CDPPort,
			ProfileDir:   cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	state, err := statestore.Open(ctx, cfg.StateStore, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			slog.Debug("state store close failed", "error", err)
		}
	}()

	eligible, err := session.URLMatcher(cfg.EligibleURLs)
	if err != nil {
		return fmt.Errorf("eligible url patterns: %w", err)
	}

	board := status.NewBoard(state, guidancePusher(cfg.GuidanceNTFYURL), guidanceText)

	cdp := cdpcontrol.NewClient(cfg.CDPURL(), cfg.PageCommandTimeout)
	var ctl session.Controller = cdp
	if cfg.Backend == "executor" {
		executor := pageexec.NewExecutor(cfg.CDPURL(), cfg.PageCommandTimeout)
		defer executor.Close()
		ctl = pageexec.NewController(cdp, cdp, executor)
	}

	link := relaylink.New(relaylink.Options{
		BaseURL:          cfg.RelayBaseURL(),
		WSURL:            cfg.RelayWSURL(),
		PreflightTimeout: cfg.PreflightTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		CommandTimeout:   cfg.ForwardCommandTimeout,
	})
	defer link.Close()

	mgr := session.NewManager(session.Options{
		Browser:        cdp,
		Controller:     ctl,
		Link:           link,
		Store:          state,
		Indicator:      board,
		Overlay:        config.OverlayFile{Path: cfg.OverlaySettingsPath},
		Eligible:       eligible,
		TabLoadTimeout: cfg.TabLoadTimeout,
		CommandTimeout: cfg.PageCommandTimeout,
	})
	defer mgr.Close()
	link.SetHandler(mgr)
	link.SetOnClosed(mgr.OnLinkClosed)
	cdp.SetEventSink(mgr.Enqueue)

	if err := cdp.Connect(ctx); err != nil {
		return fmt.Errorf("connect browser at %s: %w", cfg.CDPURL(), err)
	}
	defer func() {
		if err := cdp.Close(); err != nil {
			slog.Debug("cdp client close failed", "error", err)
		}
	}()

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session event loop stopped", "error", err)
		}
	}()

	scans := cron.New()
	if _, err := scans.AddFunc(cfg.ScanSchedule, func() { mgr.Scan(ctx) }); err != nil {
		return fmt.Errorf("scan schedule %q: %w", cfg.ScanSchedule, err)
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.ScanDelay):
		}
		mgr.RestoreAutomationTab(ctx)
		mgr.Scan(ctx)
		scans.Start()
	}()
	defer func() { <-scans.Stop().Done() }()

	srv := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: api.NewServer(&agentService{mgr: mgr, link: link, board: board}),
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("agent status api listening", "addr", cfg.StatusAddr, "docs", "http://"+cfg.StatusAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("agent shutting down")
	case err := <-serveErr:
		slog.Error("agent status api failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("agent status api shutdown failed", "error", err)
	}
	return nil
}

func guidancePusher(endpoint string) status.Pusher {
	if endpoint == "" {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context, msg notify.Message) error {
		return notify.SendMessage(ctx, client, endpoint, msg)
	}
}

// agentService adapts the session manager to the status API.
type agentService struct {
	mgr   *session.Manager
	link  *relaylink.Link
	board *status.Board
}

func (a *agentService) Status(context.Context) api.AgentStatus {
	return api.AgentStatus{
		LinkOpen:   a.link.IsOpen(),
		Session:    a.mgr.Snapshot(),
		Indicators: a.board.Snapshot(),
	}
}

func (a *agentService) ToggleActiveTab(ctx context.Context) (session.ToggleResult, error) {
	return a.mgr.Toggle(ctx)
}

func (a *agentService) ReEnableTab(ctx context.Context, tab session.TabID) error {
	a.mgr.ReEnable(ctx, tab)
	return nil
}

func (a *agentService) EnsureAutomationTab(ctx context.Context, url string) (session.Attachment, error) {
	return a.mgr.EnsureAutomationTab(ctx, url)
}

func (a *agentService) AdoptCurrentTab(ctx context.Context) (session.AdoptedTab, error) {
	return a.mgr.AdoptCurrentTab(ctx)
}

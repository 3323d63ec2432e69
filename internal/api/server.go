// Package api serves the HTTP surfaces: the agent status API and the
// bridge's command API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vaishnavucv/domagent/internal/agenterr"
	"github.com/vaishnavucv/domagent/internal/bridge"
	"github.com/vaishnavucv/domagent/internal/config"
	"github.com/vaishnavucv/domagent/internal/session"
	"github.com/vaishnavucv/domagent/internal/status"
)

// AgentStatus is the agent's view of its link and tabs.
type AgentStatus struct {
	LinkOpen   bool             `json:"link_open"`
	Session    session.Snapshot `json:"session"`
	Indicators status.Snapshot  `json:"indicators"`
}

// AgentService is what the agent status API drives.
type AgentService interface {
	Status(ctx context.Context) AgentStatus
	ToggleActiveTab(ctx context.Context) (session.ToggleResult, error)
	ReEnableTab(ctx context.Context, tab session.TabID) error
	EnsureAutomationTab(ctx context.Context, url string) (session.Attachment, error)
	AdoptCurrentTab(ctx context.Context) (session.AdoptedTab, error)
}

// BridgeService is what the bridge command API drives. *bridge.Server
// implements it.
type BridgeService interface {
	Navigate(ctx context.Context, url string) (bridge.TabResult, error)
	UseCurrentTab(ctx context.Context) (bridge.TabResult, error)
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	Click(ctx context.Context, selector string) (string, error)
	Type(ctx context.Context, selector, text string) (string, error)
	GetText(ctx context.Context, selector string) (*string, error)
	InteractiveElements(ctx context.Context) ([]bridge.Element, error)
	ClearOverlays(ctx context.Context) (string, error)
	OverlaySettings(ctx context.Context) config.OverlaySettings
	Status() bridge.Status
}

// BridgeRoutes are the non-huma handlers mounted next to the command API.
type BridgeRoutes struct {
	ExtensionPath string
	Extension     http.HandlerFunc
	Health        http.HandlerFunc
	Events        http.HandlerFunc
}

func newRouter(title string, withEvents bool) (*chi.Mux, huma.API) {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	page := docsHTML(title, withEvents)
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(page)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	return router, api
}

// NewServer returns the agent status API.
func NewServer(svc AgentService) http.Handler {
	router, api := newRouter("DOMAgent Agent API", false)
	registerHealthHandler(api)
	registerAgentHandlers(api, svc)
	return router
}

// NewBridgeServer returns the bridge's HTTP surface: health probes, the
// extension websocket, the command API and the event stream.
func NewBridgeServer(svc BridgeService, routes BridgeRoutes) http.Handler {
	router, api := newRouter("DOMAgent Bridge API", routes.Events != nil)

	if routes.Health != nil {
		for _, path := range []string{"/", "/health"} {
			router.Get(path, routes.Health)
			router.Head(path, routes.Health)
		}
	}
	if routes.Extension != nil {
		router.Get(routes.ExtensionPath, routes.Extension)
	}
	if routes.Events != nil {
		router.Get("/api/v1/events", routes.Events)
		router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
				slog.Debug("events docs write failed", "error", err)
			}
		})
	}

	registerBridgeHandlers(api, svc)
	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	var coded *agenterr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case agenterr.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case agenterr.CodeNoTarget, agenterr.CodeStaleReference:
			return huma.Error404NotFound(coded.Message)
		case agenterr.CodeNotConnected, agenterr.CodeConnection, agenterr.CodeDisconnected:
			return huma.Error503ServiceUnavailable(coded.Message)
		case agenterr.CodeCommandTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case agenterr.CodeAttach, agenterr.CodeElementExecution, agenterr.CodeTab, agenterr.CodeBackend:
			return huma.Error502BadGateway(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}

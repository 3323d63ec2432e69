package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vaishnavucv/domagent/internal/session"
)

func registerHealthHandler(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerAgentHandlers(api huma.API, svc AgentService) {
	type statusOutput struct {
		Body AgentStatus
	}
	huma.Register(api, huma.Operation{OperationID: "agent-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Link state, tab records and indicators", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status(ctx)}, nil
		})

	type toggleOutput struct {
		Body session.ToggleResult
	}
	huma.Register(api, huma.Operation{OperationID: "toggle-active-tab", Method: http.MethodPost, Path: "/api/v1/tabs/active/toggle", Summary: "Attach or detach the active tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*toggleOutput, error) {
			res, err := svc.ToggleActiveTab(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &toggleOutput{Body: res}, nil
		})

	type tabIDInput struct {
		TabID int64 `path:"tab_id" minimum:"1" doc:"Tab handle"`
	}
	type enableOutput struct {
		Body struct {
			TabID  int64  `json:"tab_id"`
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "reenable-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/enable", Summary: "Lift a manual override and auto-attach the tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*enableOutput, error) {
			if err := svc.ReEnableTab(ctx, session.TabID(input.TabID)); err != nil {
				return nil, mapErr(err)
			}
			out := &enableOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "enabled"
			return out, nil
		})

	type ensureInput struct {
		Body struct {
			URL string `json:"url" minLength:"1" doc:"URL to open in the automation tab"`
		}
	}
	type attachmentOutput struct {
		Body session.Attachment
	}
	huma.Register(api, huma.Operation{OperationID: "ensure-automation-tab", Method: http.MethodPost, Path: "/api/v1/automation/ensure", Summary: "Navigate or create the automation tab", Tags: []string{"Automation"}},
		func(ctx context.Context, input *ensureInput) (*attachmentOutput, error) {
			att, err := svc.EnsureAutomationTab(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &attachmentOutput{Body: att}, nil
		})

	type adoptOutput struct {
		Body session.AdoptedTab
	}
	huma.Register(api, huma.Operation{OperationID: "adopt-current-tab", Method: http.MethodPost, Path: "/api/v1/automation/adopt", Summary: "Adopt the active tab as the automation tab", Tags: []string{"Automation"}},
		func(ctx context.Context, input *struct{}) (*adoptOutput, error) {
			adopted, err := svc.AdoptCurrentTab(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &adoptOutput{Body: adopted}, nil
		})
}

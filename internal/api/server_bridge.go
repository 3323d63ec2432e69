package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/vaishnavucv/domagent/internal/bridge"
	"github.com/vaishnavucv/domagent/internal/config"
)

type selectorInput struct {
	Body struct {
		Selector string `json:"selector" minLength:"1" doc:"CSS selector"`
	}
}

type messageOutput struct {
	Body struct {
		Result string `json:"result"`
	}
}

func newMessageOutput(msg string) *messageOutput {
	out := &messageOutput{}
	out.Body.Result = msg
	return out
}

func registerBridgeHandlers(api huma.API, svc BridgeService) {
	type tabOutput struct {
		Body bridge.TabResult
	}
	type navigateInput struct {
		Body struct {
			URL string `json:"url" minLength:"1" doc:"Full URL to open in the automation tab"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/navigate", Summary: "Navigate the automation tab, creating it the first time", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *navigateInput) (*tabOutput, error) {
			res, err := svc.Navigate(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "use-current-tab", Method: http.MethodPost, Path: "/api/v1/use-current-tab", Summary: "Adopt the user's active tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabOutput, error) {
			res, err := svc.UseCurrentTab(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: res}, nil
		})

	type evaluateInput struct {
		Body struct {
			Expression string `json:"expression" minLength:"1" doc:"JavaScript evaluated in the page"`
		}
	}
	type evaluateOutput struct {
		Body struct {
			Result any `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "evaluate", Method: http.MethodPost, Path: "/api/v1/evaluate", Summary: "Evaluate JavaScript in the automation tab", Tags: []string{"Page"}},
		func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
			raw, err := svc.Evaluate(ctx, input.Body.Expression)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &evaluateOutput{}
			if err := json.Unmarshal(raw, &out.Body.Result); err != nil {
				return nil, huma.Error502BadGateway("evaluate returned invalid JSON")
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "click", Method: http.MethodPost, Path: "/api/v1/click", Summary: "Click an element", Tags: []string{"Page"}},
		func(ctx context.Context, input *selectorInput) (*messageOutput, error) {
			msg, err := svc.Click(ctx, input.Body.Selector)
			if err != nil {
				return nil, mapErr(err)
			}
			return newMessageOutput(msg), nil
		})

	type typeInput struct {
		Body struct {
			Selector string `json:"selector" minLength:"1" doc:"CSS selector of the field"`
			Text     string `json:"text" doc:"Text to type"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "type", Method: http.MethodPost, Path: "/api/v1/type", Summary: "Type into a field", Tags: []string{"Page"}},
		func(ctx context.Context, input *typeInput) (*messageOutput, error) {
			msg, err := svc.Type(ctx, input.Body.Selector, input.Body.Text)
			if err != nil {
				return nil, mapErr(err)
			}
			return newMessageOutput(msg), nil
		})

	type textOutput struct {
		Body struct {
			Text *string `json:"text"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-text", Method: http.MethodPost, Path: "/api/v1/text", Summary: "Read an element's visible text", Tags: []string{"Page"}},
		func(ctx context.Context, input *selectorInput) (*textOutput, error) {
			text, err := svc.GetText(ctx, input.Body.Selector)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &textOutput{}
			out.Body.Text = text
			return out, nil
		})

	type elementsOutput struct {
		Body struct {
			Elements []bridge.Element `json:"elements"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "interactive-elements", Method: http.MethodPost, Path: "/api/v1/elements", Summary: "Scan interactive and text elements", Tags: []string{"Page"}},
		func(ctx context.Context, input *struct{}) (*elementsOutput, error) {
			elems, err := svc.InteractiveElements(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &elementsOutput{}
			out.Body.Elements = elems
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-overlays", Method: http.MethodPost, Path: "/api/v1/clear-overlays", Summary: "Remove page overlays", Tags: []string{"Page"}},
		func(ctx context.Context, input *struct{}) (*messageOutput, error) {
			msg, err := svc.ClearOverlays(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return newMessageOutput(msg), nil
		})

	type overlayOutput struct {
		Body config.OverlaySettings
	}
	huma.Register(api, huma.Operation{OperationID: "overlay-settings", Method: http.MethodGet, Path: "/api/v1/overlay-settings", Summary: "Overlay settings reported by the agent", Tags: []string{"Page"}},
		func(ctx context.Context, input *struct{}) (*overlayOutput, error) {
			return &overlayOutput{Body: svc.OverlaySettings(ctx)}, nil
		})

	type statusOutput struct {
		Body bridge.Status
	}
	huma.Register(api, huma.Operation{OperationID: "bridge-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Extension connection status", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Tool is one operation exposed to MCP clients.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// Tools returns the tool set backed by s.
func (s *Server) Tools() []Tool {
	return []Tool{
		{
			Name: "navigate",
			Description: "Navigate to a URL in the browser. Reuses the existing automation tab if one exists " +
				"and only creates a new tab the first time.",
			Schema: objectSchema([]string{"url"}, map[string]any{
				"url": stringProp("Full URL to navigate to (e.g. https://example.com)"),
			}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				url := argString(args, "url")
				if _, err := s.Navigate(ctx, url); err != nil {
					return "", err
				}
				return "Navigated to " + url, nil
			},
		},
		{
			Name: "use_current_tab",
			Description: "Adopt the user's active browser tab as the automation target. " +
				"Use it to read or interact with a page the user already has open.",
			Schema: objectSchema(nil, map[string]any{}),
			Run: func(ctx context.Context, _ map[string]any) (string, error) {
				res, err := s.UseCurrentTab(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Using active tab. URL: %s, Title: %s", orUnknown(res.URL), orUnknown(res.Title)), nil
			},
		},
		{
			Name:        "click",
			Description: "Click an element by CSS selector. Shows a highlight box and a click dot.",
			Schema: objectSchema([]string{"selector"}, map[string]any{
				"selector": stringProp("CSS selector of the element to click."),
			}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return s.Click(ctx, argString(args, "selector"))
			},
		},
		{
			Name:        "type_text",
			Description: "Type text into an input field identified by a CSS selector.",
			Schema: objectSchema([]string{"selector", "text"}, map[string]any{
				"selector": stringProp("CSS selector of the input field."),
				"text":     stringProp("The text to type into the field."),
			}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return s.Type(ctx, argString(args, "selector"), argString(args, "text"))
			},
		},
		{
			Name:        "get_text",
			Description: "Get the visible text content of an element.",
			Schema: objectSchema([]string{"selector"}, map[string]any{
				"selector": stringProp("CSS selector of the element."),
			}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				text, err := s.GetText(ctx, argString(args, "selector"))
				if err != nil {
					return "", err
				}
				if text == nil {
					return "null", nil
				}
				return *text, nil
			},
		},
		{
			Name:        "evaluate_script",
			Description: "Execute JavaScript in the page context and return the result.",
			Schema: objectSchema([]string{"script"}, map[string]any{
				"script": stringProp("JavaScript code to execute."),
			}),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				raw, err := s.Evaluate(ctx, argString(args, "script"))
				if err != nil {
					return "", err
				}
				var str string
				if json.Unmarshal(raw, &str) == nil {
					return str, nil
				}
				return string(raw), nil
			},
		},
		{
			Name: "get_interactive_elements",
			Description: "Scan the page for interactive elements and text content with CSS selectors, text and " +
				"bounding boxes. Draws overlays that remove themselves after 4s.",
			Schema: objectSchema(nil, map[string]any{}),
			Run: func(ctx context.Context, _ map[string]any) (string, error) {
				elems, err := s.InteractiveElements(ctx)
				if err != nil {
					return "", err
				}
				out, err := json.MarshalIndent(elems, "", "  ")
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			Name:        "clear_overlays",
			Description: "Remove all visual overlay boxes from the page.",
			Schema:      objectSchema(nil, map[string]any{}),
			Run: func(ctx context.Context, _ map[string]any) (string, error) {
				return s.ClearOverlays(ctx)
			},
		},
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// NewMCPServer registers every tool on a fresh MCP server.
func NewMCPServer(s *Server, version string) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"domagent",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	for _, tool := range s.Tools() {
		schema, err := json.Marshal(tool.Schema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		srv.AddTool(mcp.NewToolWithRawSchema(tool.Name, tool.Description, schema), wrapTool(tool))
	}
	return srv
}

func wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		text, err := tool.Run(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent("Error: " + err.Error())},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(text)},
		}, nil
	}
}

// ServeStdio runs the MCP server over in and out until ctx ends.
func ServeStdio(ctx context.Context, srv *mcpserver.MCPServer, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(srv).Listen(ctx, in, out)
}

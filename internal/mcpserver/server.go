// Package mcpserver exposes the gateway's tools over the Model Context
// Protocol. Every call runs through the same dispatcher as the REST API, so
// authentication, rate limits, consent and audit apply unchanged.
package mcpserver

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/gateway"
	"github.com/bobmcallan/cadence/internal/tools"
)

// Control arguments accepted alongside a write tool's parameters.
const (
	argConfirm  = "confirm"
	argActionID = "action_id"
)

// New builds an MCP server with one tool per registry entry.
func New(d *gateway.Dispatcher, logger *common.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"cadence",
		common.Version,
		server.WithToolCapabilities(true),
	)
	for _, sum := range d.Tools() {
		s.AddTool(toolFor(sum), handleTool(d, sum, logger))
	}
	return s
}

// HTTPContext carries the request's bearer token into tool handlers.
func HTTPContext(ctx context.Context, r *http.Request) context.Context {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		ctx = common.WithBearerToken(ctx, strings.TrimSpace(token))
	}
	if id := r.Header.Get("X-Correlation-ID"); id != "" {
		ctx = common.WithCorrelationID(ctx, id)
	}
	return ctx
}

// toolFor renders a discovery summary as an MCP tool. Write tools gain the
// confirm and action_id control arguments.
func toolFor(sum tools.Summary) mcp.Tool {
	schema := maps.Clone(sum.InputSchema)
	if sum.RequiresConsent {
		props, _ := schema["properties"].(map[string]any)
		props = maps.Clone(props)
		if props == nil {
			props = map[string]any{}
		}
		props[argConfirm] = map[string]any{
			"type":        "boolean",
			"description": "Set true to execute after the user approved the preview.",
		}
		props[argActionID] = map[string]any{
			"type":        "string",
			"description": "Pending action to confirm; parameters may then be omitted.",
		}
		schema["properties"] = props
		delete(schema, "required")
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = []byte(`{"type":"object"}`)
	}
	return mcp.NewToolWithRawSchema(sum.Name, sum.Description, raw)
}

func handleTool(d *gateway.Dispatcher, sum tools.Summary, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := maps.Clone(request.GetArguments())
		if args == nil {
			args = map[string]any{}
		}

		inv := gateway.Invocation{
			Token: common.BearerTokenFromContext(ctx),
			Tool:  sum.Name,
		}
		if sum.RequiresConsent {
			inv.Confirm = request.GetBool(argConfirm, false)
			inv.ActionID = request.GetString(argActionID, "")
			delete(args, argConfirm)
			delete(args, argActionID)
		}
		params, err := json.Marshal(args)
		if err != nil {
			return errorResult(common.NewError(common.CodeInvalidRequest, "arguments are not valid JSON")), nil
		}
		inv.Parameters = params

		call, err := d.Dispatch(ctx, inv)
		if err != nil {
			logger.Debug().Err(err).Str("tool", sum.Name).Msg("MCP tool call failed")
			return errorResult(err), nil
		}
		return jsonResult(call.Result.Payload), nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	b, _ := json.Marshal(common.AsGatewayError(err).Body())
	return mcp.NewToolResultError(string(b))
}

func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(common.WrapError(common.CodeServerError, "failed to encode result", err))
	}
	return mcp.NewToolResultText(string(b))
}

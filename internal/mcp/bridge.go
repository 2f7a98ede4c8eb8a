package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/notemill/notemill/internal/tools"
)

type userIDKey struct{}

// WithUserID attaches the calling user to the context so servers that
// filter by user can see who is asking.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom extracts the user attached by WithUserID.
func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey{}).(int64)
	return id, ok
}

// bridgeSpec wraps one remote tool as a registry spec. The handler
// resolves the caller's own connection at call time, so two users with
// the same server name talk to their own processes. JSON-RPC errors
// come back as failed results, never as panics or transport errors.
func (m *Manager) bridgeSpec(name, serverName string, rt Tool) tools.Spec {
	schema := map[string]any{"type": "object"}
	if len(rt.InputSchema) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(rt.InputSchema, &parsed); err == nil {
			parsed["type"] = "object"
			schema = parsed
		}
	}
	desc := rt.Description
	if desc == "" {
		desc = fmt.Sprintf("%s tool on MCP server %s", rt.Name, serverName)
	}
	remoteName := rt.Name

	return tools.Spec{
		Name:        name,
		Description: desc,
		InputSchema: schema,
		Handler: func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
			client, err := m.clientFor(inv.UserID, serverName)
			if err != nil {
				return tools.Fail(err.Error())
			}
			res, err := client.CallTool(WithUserID(ctx, inv.UserID), remoteName, args)
			if err != nil {
				return tools.Fail(fmt.Sprintf("call %s on %s: %v", remoteName, serverName, err))
			}
			if res.IsError {
				return tools.Fail(res.Text())
			}
			return tools.OK(res.Text())
		},
	}
}

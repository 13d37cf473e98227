package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pdfflex/gatekeeper/internal/service"
)

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// optionalString extracts an optional string argument from the tool request.
func optionalString(request mcp.CallToolRequest, key string) string {
	return request.GetString(key, "")
}

// optionalLimit extracts an optional positive-integer limit. Absent
// arguments yield nil.
func optionalLimit(request mcp.CallToolRequest, key string) *int64 {
	args := request.GetArguments()
	if _, ok := args[key]; !ok {
		return nil
	}
	v := int64(request.GetInt(key, 0))
	return &v
}

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal response")
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the client so it can self-correct; they do not end the
// session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// serviceError turns an expected service error into a tool error. Other
// errors are returned as protocol errors.
func serviceError(err error) (*mcp.CallToolResult, error) {
	var verr *service.ValidationError
	var qerr *service.QuotaError
	switch {
	case errors.As(err, &verr), errors.As(err, &qerr):
		return toolError("%s", err.Error())
	case errors.Is(err, service.ErrNotFound):
		return toolError("api key not found")
	case errors.Is(err, service.ErrTerminalStatus):
		return toolError("api key is already expired")
	}
	return nil, err
}

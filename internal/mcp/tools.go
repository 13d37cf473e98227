package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
)

// registerTools registers all gatekeeper MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("gatekeeper_list_keys",
			mcp.WithDescription(
				"List a user's API keys, newest first. Secrets are never returned; "+
					"keys are identified by id and display prefix.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("Owner of the keys"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("gatekeeper_get_key",
			mcp.WithDescription("Get one API key by id, with its limits and usage counters."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Key id"),
			),
		),
		s.handleGetKey,
	)

	srv.AddTool(
		mcp.NewTool("gatekeeper_key_usage",
			mcp.WithDescription("Summarize request counts and remaining quota across a user's keys."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("Owner of the keys"),
			),
		),
		s.handleKeyUsage,
	)

	srv.AddTool(
		mcp.NewTool("gatekeeper_issue_key",
			mcp.WithDescription(
				"Issue a new API key for a user. The plaintext key appears only in this "+
					"result. Fails when the user already holds the maximum number of keys "+
					"for the tier.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("Owner of the new key"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Display name, 1 to 100 characters"),
			),
			mcp.WithString("description",
				mcp.Description("Optional description, up to 500 characters"),
			),
			mcp.WithString("tier",
				mcp.Description("free (default) or premium"),
				mcp.Enum("free", "premium"),
			),
			mcp.WithNumber("daily_limit",
				mcp.Description("Optional cap on total requests"),
			),
			mcp.WithNumber("monthly_limit",
				mcp.Description("Optional cap on requests per calendar month"),
			),
		),
		s.handleIssueKey,
	)

	srv.AddTool(
		mcp.NewTool("gatekeeper_revoke_key",
			mcp.WithDescription(
				"Permanently revoke an API key. Revoking an already revoked key succeeds.",
			),
			mcp.WithToolAnnotation(mcp.ToolAnnotation{
				ReadOnlyHint:    boolPtr(false),
				DestructiveHint: boolPtr(true),
				IdempotentHint:  boolPtr(true),
			}),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Key id"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("gatekeeper_verify_key",
			mcp.WithDescription(
				"Check whether a plaintext API key would be accepted for an endpoint. "+
					"The check does not count as a request.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("Plaintext API key"),
			),
			mcp.WithString("endpoint",
				mcp.Description("Request path to check against the key's allow-list"),
			),
			mcp.WithString("tier",
				mcp.Description("Set to premium to apply the premium requirements"),
				mcp.Enum("free", "premium"),
			),
		),
		s.handleVerifyKey,
	)
}

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireString(request, "user_id")
	if err != nil {
		return toolError("%s", err.Error())
	}
	keys, err := s.deps.Keys.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	return successJSON(model.KeyListResponse{Keys: keys, Total: len(keys)})
}

func (s *MCPServer) handleGetKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%s", err.Error())
	}
	key, err := s.deps.Keys.Get(ctx, "", id)
	if err != nil {
		return serviceError(err)
	}
	return successJSON(key)
}

func (s *MCPServer) handleKeyUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireString(request, "user_id")
	if err != nil {
		return toolError("%s", err.Error())
	}
	sum, err := s.deps.Keys.Usage(ctx, userID)
	if err != nil {
		return nil, err
	}
	return successJSON(sum)
}

func (s *MCPServer) handleIssueKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := requireString(request, "user_id")
	if err != nil {
		return toolError("%s", err.Error())
	}
	name, err := requireString(request, "name")
	if err != nil {
		return toolError("%s", err.Error())
	}

	issued, err := s.deps.Issuer.Issue(ctx, identity.Principal{UserID: userID}, service.IssueRequest{
		Name:         name,
		Description:  optionalString(request, "description"),
		Tier:         model.Tier(optionalString(request, "tier")),
		DailyLimit:   optionalLimit(request, "daily_limit"),
		MonthlyLimit: optionalLimit(request, "monthly_limit"),
	}, "")
	if err != nil {
		return serviceError(err)
	}
	s.logger.Info("api key issued over mcp", "key_id", issued.ID, "user_id", userID)
	return successJSON(issued)
}

func (s *MCPServer) handleRevokeKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%s", err.Error())
	}
	key, err := s.deps.Keys.ForceRevoke(ctx, id)
	if err != nil {
		return serviceError(err)
	}
	return successJSON(key)
}

// verifyResult is the outcome of gatekeeper_verify_key.
type verifyResult struct {
	Valid   bool                  `json:"valid"`
	Masked  string                `json:"maskedKey"`
	Reason  string                `json:"reason,omitempty"`
	Message string                `json:"message,omitempty"`
	Key     *service.ValidatedKey `json:"key,omitempty"`
}

func (s *MCPServer) handleVerifyKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := requireString(request, "key")
	if err != nil {
		return toolError("%s", err.Error())
	}

	policy := service.BasicPolicy()
	if model.Tier(optionalString(request, "tier")) == model.TierPremium {
		policy = service.PremiumPolicy()
	}
	policy.CheckTierPaths = true

	d, err := s.deps.Validator.Validate(ctx, service.Credentials{Authorization: "Bearer " + key},
		optionalString(request, "endpoint"), policy)
	if err != nil {
		return nil, err
	}
	masked := s.deps.Validator.Mask(key)
	if !d.Allowed() {
		return successJSON(verifyResult{Masked: masked, Reason: string(d.Reason), Message: d.Reason.Message()})
	}
	return successJSON(verifyResult{Valid: true, Masked: masked, Key: d.Key})
}

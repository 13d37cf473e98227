package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pdfflex/gatekeeper/internal/model"
)

const (
	tiersURI        = "gatekeeper://tiers"
	userKeysPrefix  = "gatekeeper://users/"
	userKeysSuffix  = "/keys"
	userKeysPattern = userKeysPrefix + "{user_id}" + userKeysSuffix
)

// registerResources adds read-only data that clients can load into their
// context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			tiersURI,
			"Key Tiers",
			mcp.WithResourceDescription(
				"Per-tier key ceilings and the expiry applied to new keys.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleTiersResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			userKeysPattern,
			"User API Keys",
			mcp.WithTemplateDescription("A user's API keys without secrets."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleUserKeysResource,
	)
}

// tierInfo describes one tier in the tiers resource.
type tierInfo struct {
	Tier    model.Tier `json:"tier"`
	MaxKeys int        `json:"maxKeys"`
}

type tiersDoc struct {
	Tiers            []tierInfo `json:"tiers"`
	ExpirationDays   int        `json:"expirationDays,omitempty"`
	EnableExpiration bool       `json:"enableExpiration"`
}

func (s *MCPServer) handleTiersResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	limits := s.deps.Limits
	doc := tiersDoc{
		Tiers: []tierInfo{
			{Tier: model.TierFree, MaxKeys: limits.MaxKeys(model.TierFree)},
			{Tier: model.TierPremium, MaxKeys: limits.MaxKeys(model.TierPremium)},
		},
		EnableExpiration: limits.EnableExpiration,
	}
	if limits.EnableExpiration {
		doc.ExpirationDays = limits.ExpirationDays
	}
	return jsonContents(tiersURI, doc)
}

func (s *MCPServer) handleUserKeysResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	userID := strings.TrimSuffix(strings.TrimPrefix(uri, userKeysPrefix), userKeysSuffix)
	if userID == "" || userID == uri || strings.Contains(userID, "/") {
		return nil, errors.Errorf("invalid keys URI %q: expected %s", uri, userKeysPattern)
	}

	keys, err := s.deps.Keys.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	return jsonContents(uri, model.KeyListResponse{Keys: keys, Total: len(keys)})
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal resource")
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

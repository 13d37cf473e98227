// Package openapi describes the gatekeeper HTTP API as an OpenAPI 3 document.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

const (
	// KeysPath is the collection route for a user's keys.
	KeysPath = "/api/user/api-keys"
	// VerifyPath is the forward-auth route.
	VerifyPath = "/api/v1/auth/verify"
)

// Generate returns the OpenAPI document for the gatekeeper API served at
// baseURL.
func Generate(baseURL, version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Gatekeeper API",
			Description: "Issue, manage and verify API keys for the PDF service.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = schemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "pk_ API key",
				Description:  "An API key issued by this service.",
			},
		},
		"userSession": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "A user session token, or the trusted identity header when deployed behind an authenticating proxy.",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addHealthPaths(doc)
	addKeyPaths(doc)
	addVerifyPath(doc)
	return doc
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func schemas() openapi3.Schemas {
	return openapi3.Schemas{
		"ErrorResponse": &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type: &openapi3.Types{"object"},
				Properties: openapi3.Schemas{
					"error": objectSchema("",
						field{name: "code", kind: "int", required: true},
						field{name: "message", kind: "string", required: true},
						field{name: "context", kind: "map"},
					),
				},
			},
		},
		"ApiKey": objectSchema("A stored API key. The secret is never returned.",
			field{name: "id", kind: "string", required: true},
			field{name: "userId", kind: "string", required: true},
			field{name: "keyPrefix", kind: "string", desc: "Display prefix, e.g. pk_1A2B3C4D.", required: true},
			field{name: "name", kind: "string", required: true},
			field{name: "description", kind: "string"},
			field{name: "tier", kind: "tier", required: true},
			field{name: "status", kind: "status", required: true},
			field{name: "requestCount", kind: "int64", required: true},
			field{name: "dailyLimit", kind: "*int64"},
			field{name: "monthlyLimit", kind: "*int64"},
			field{name: "monthlyCount", kind: "int64"},
			field{name: "usageMonth", kind: "enum:month"},
			field{name: "allowedEndpoints", kind: "[]string"},
			field{name: "allowedOrigins", kind: "[]string"},
			field{name: "createdAt", kind: "time", required: true},
			field{name: "updatedAt", kind: "time", required: true},
			field{name: "lastUsedAt", kind: "*time"},
			field{name: "expiresAt", kind: "*time"},
		),
		"ApiKeyList": &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type: &openapi3.Types{"object"},
				Properties: openapi3.Schemas{
					"keys":  {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref("ApiKey")}},
					"total": kindSchema("int", ""),
				},
				Required: []string{"keys", "total"},
			},
		},
		"IssueKeyRequest": objectSchema("",
			field{name: "name", kind: "string", desc: "1 to 100 characters.", required: true},
			field{name: "description", kind: "string", desc: "Up to 500 characters."},
			field{name: "tier", kind: "tier", desc: "Defaults to free."},
			field{name: "dailyLimit", kind: "*int64"},
			field{name: "monthlyLimit", kind: "*int64"},
			field{name: "expiresAt", kind: "*string", desc: "ISO-8601 timestamp or date (midnight UTC). Overrides the configured default expiry."},
		),
		"IssuedKey": objectSchema("A new key. The plaintext is shown only in this response.",
			field{name: "id", kind: "string", required: true},
			field{name: "key", kind: "string", required: true},
			field{name: "keyPrefix", kind: "string", required: true},
			field{name: "name", kind: "string", required: true},
			field{name: "tier", kind: "tier", required: true},
			field{name: "createdAt", kind: "time", required: true},
			field{name: "expiresAt", kind: "*time", required: true},
			field{name: "message", kind: "string", required: true},
		),
		"UpdateKeyRequest": objectSchema("Fields left out are unchanged. A null limit removes it.",
			field{name: "name", kind: "*string"},
			field{name: "description", kind: "*string"},
			field{name: "status", kind: "*status", desc: "Only active and inactive can be set."},
			field{name: "dailyLimit", kind: "*int64"},
			field{name: "monthlyLimit", kind: "*int64"},
			field{name: "allowedEndpoints", kind: "*[]string"},
			field{name: "allowedOrigins", kind: "*[]string"},
		),
		"KeyUsage": objectSchema("",
			field{name: "id", kind: "string", required: true},
			field{name: "name", kind: "string", required: true},
			field{name: "keyPrefix", kind: "string", required: true},
			field{name: "tier", kind: "tier", required: true},
			field{name: "status", kind: "status", required: true},
			field{name: "requestCount", kind: "int64", required: true},
			field{name: "dailyLimit", kind: "*int64"},
			field{name: "requestsRemaining", kind: "int64", desc: "-1 when unlimited.", required: true},
			field{name: "monthlyCount", kind: "int64", required: true},
			field{name: "monthlyLimit", kind: "*int64"},
			field{name: "lastUsedAt", kind: "*time"},
		),
		"UsageSummary": &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type: &openapi3.Types{"object"},
				Properties: openapi3.Schemas{
					"keys":          {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref("KeyUsage")}},
					"totalRequests": kindSchema("int64", ""),
					"activeKeys":    kindSchema("int", ""),
				},
			},
		},
		"ValidatedKey": objectSchema("The key that passed verification.",
			field{name: "id", kind: "string", required: true},
			field{name: "userId", kind: "string", required: true},
			field{name: "tier", kind: "tier", required: true},
			field{name: "keyPrefix", kind: "string", required: true},
			field{name: "requestCount", kind: "int64", required: true},
			field{name: "dailyLimit", kind: "*int64"},
			field{name: "monthlyLimit", kind: "*int64"},
			field{name: "monthlyUsage", kind: "int64"},
			field{name: "allowedEndpoints", kind: "[]string"},
		),
	}
}

func addHealthPaths(doc *openapi3.T) {
	health := objectSchema("", field{name: "status", kind: "string", required: true})
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Liveness check",
			OperationID: "healthz",
			Responses:   newResponses("200", "Process is up", health),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Readiness check",
			Description: "Pings the credential store.",
			OperationID: "readyz",
			Responses:   newResponses("200", "Store reachable", health, "503"),
		},
	})
}

func addKeyPaths(doc *openapi3.T) {
	userAuth := &openapi3.SecurityRequirements{{"userSession": {}}}

	issue := func(id string) *openapi3.Operation {
		return &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Issue a new API key",
			Description: "Fails with 429 when the user already holds the maximum number of keys for the tier.",
			OperationID: id,
			Security:    userAuth,
			RequestBody: jsonBody("IssueKeyRequest"),
			Responses:   newResponses("201", "Key issued", ref("IssuedKey"), "400", "401", "429"),
		}
	}

	doc.Paths.Set(KeysPath, &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List the caller's keys",
			OperationID: "listKeys",
			Security:    userAuth,
			Responses:   newResponses("200", "Keys, newest first", ref("ApiKeyList"), "401"),
		},
		Post: issue("createKey"),
	})
	doc.Paths.Set(KeysPath+"/generate", &openapi3.PathItem{Post: issue("generateKey")})
	doc.Paths.Set(KeysPath+"/usage", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Usage summary across the caller's keys",
			OperationID: "keyUsage",
			Security:    userAuth,
			Responses:   newResponses("200", "Usage summary", ref("UsageSummary"), "401"),
		},
	})

	keyID := &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("keyId").WithSchema(openapi3.NewStringSchema()),
	}
	doc.Paths.Set(KeysPath+"/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyID},
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Get one key",
			OperationID: "getKey",
			Security:    userAuth,
			Responses:   newResponses("200", "The key", ref("ApiKey"), "401", "404"),
		},
		Patch: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Update a key",
			OperationID: "updateKey",
			Security:    userAuth,
			RequestBody: jsonBody("UpdateKeyRequest"),
			Responses:   newResponses("200", "The updated key", ref("ApiKey"), "400", "401", "404", "409"),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke a key",
			Description: "Revocation is permanent. Revoking a revoked key succeeds.",
			OperationID: "revokeKey",
			Security:    userAuth,
			Responses:   newResponses("200", "The revoked key", ref("ApiKey"), "401", "404", "409"),
		},
	})
}

func addVerifyPath(doc *openapi3.T) {
	params := openapi3.Parameters{
		{Value: openapi3.NewQueryParameter("endpoint").
			WithDescription("Path being accessed. Defaults to X-Forwarded-Uri or X-Original-URI.").
			WithSchema(openapi3.NewStringSchema())},
		{Value: openapi3.NewQueryParameter("tier").
			WithDescription("Set to premium to require a premium key and enforce the monthly limit.").
			WithSchema(openapi3.NewStringSchema().WithEnum("free", "premium"))},
		{Value: openapi3.NewHeaderParameter("X-Forwarded-Uri").WithSchema(openapi3.NewStringSchema())},
	}
	op := func(id string) *openapi3.Operation {
		return &openapi3.Operation{
			Tags:        []string{"verify"},
			Summary:     "Verify an API key",
			Description: "Forward-auth check. On success the key id, user id and tier are returned in X-Key-Id, X-User-Id and X-Key-Tier, and the request is counted against the key.",
			OperationID: id,
			Security:    &openapi3.SecurityRequirements{{"apiKey": {}}},
			Parameters:  params,
			Responses:   newResponses("200", "Key accepted", ref("ValidatedKey"), "401", "403", "429"),
		}
	}
	doc.Paths.Set(VerifyPath, &openapi3.PathItem{
		Get:  op("verifyKey"),
		Post: op("verifyKeyPost"),
	})
}

func jsonBody(schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithJSONSchemaRef(ref(schema)),
	}
}

var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Missing or invalid credentials",
	"403": "Forbidden",
	"404": "Not found",
	"409": "Key is revoked or expired",
	"429": "Limit reached",
	"503": "Store unavailable",
}

// newResponses builds the success response plus the listed error codes and
// a 500.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, code := range append(errorCodes, "500") {
		desc := errorDescriptions[code]
		if desc == "" {
			desc = "Internal server error"
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

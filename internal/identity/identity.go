// Package identity resolves the user behind a key management request. The
// credential subsystem never authenticates users itself; it trusts whatever
// Resolver the deployment configures.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pdfflex/gatekeeper/internal/model"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is an authenticated user. Plan is empty when the resolver does
// not know the user's subscription.
type Principal struct {
	UserID string
	Plan   model.Tier
}

// Resolver extracts the Principal from a request.
type Resolver interface {
	Resolve(r *http.Request) (*Principal, error)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by NewContext, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}

// BearerToken returns the token of an "Authorization: Bearer <token>"
// header value, or "" when the value has another shape.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ---------------------------------------------------------------------------
// JWT
// ---------------------------------------------------------------------------

// JWTResolver accepts HS256 session tokens whose subject is the user id.
// An optional "tier" claim carries the user's plan.
type JWTResolver struct {
	secret []byte
	issuer string
}

// NewJWTResolver creates a resolver. When issuer is set, tokens must carry
// a matching iss claim.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer}, nil
}

type sessionClaims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Resolve validates the bearer token on r.
func (j *JWTResolver) Resolve(r *http.Request) (*Principal, error) {
	token := BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, ErrUnauthenticated
	}
	return j.Parse(token)
}

// Parse validates a raw token string.
func (j *JWTResolver) Parse(token string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.Subject == "" {
		return nil, ErrUnauthenticated
	}

	p := &Principal{UserID: claims.Subject}
	if t := model.Tier(claims.Tier); t.Valid() {
		p.Plan = t
	}
	return p, nil
}

// Issue signs a session token for userID. It exists for operators and tests;
// production tokens come from the web application.
func (j *JWTResolver) Issue(userID string, plan model.Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Tier: string(plan),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ---------------------------------------------------------------------------
// Trusted header
// ---------------------------------------------------------------------------

// HeaderResolver trusts identity headers set by an upstream that already
// authenticated the user. Only deploy it behind such an upstream.
type HeaderResolver struct {
	userHeader string
	tierHeader string
}

// NewHeaderResolver creates a resolver reading the given headers.
func NewHeaderResolver(userHeader, tierHeader string) *HeaderResolver {
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	return &HeaderResolver{userHeader: userHeader, tierHeader: tierHeader}
}

// Resolve reads the user id header.
func (h *HeaderResolver) Resolve(r *http.Request) (*Principal, error) {
	userID := strings.TrimSpace(r.Header.Get(h.userHeader))
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	p := &Principal{UserID: userID}
	if h.tierHeader != "" {
		if t := model.Tier(strings.ToLower(strings.TrimSpace(r.Header.Get(h.tierHeader)))); t.Valid() {
			p.Plan = t
		}
	}
	return p, nil
}

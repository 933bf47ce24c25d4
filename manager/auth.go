package manager

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/types"
)

// Authenticator validates bearer tokens and extracts the caller's
// project_scope/source_agent claims, enforcing spec §4.8(d)'s per-project
// scoping at the facade boundary. Grounded on the teacher's JWTAuth
// middleware (cmd/agentflow/middleware.go): same HS256/RS256 dual-method
// parser, same PEM-decoded RSA public key, but extracting Athena's own
// claim names instead of tenant_id/user_id/roles.
type Authenticator struct {
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
	parserOpts []jwt.ParserOption
	enabled    bool
	logger     *zap.Logger
}

// NewAuthenticator builds an Authenticator from JWTConfig. When both
// Secret and PublicKey are empty, Authenticate is a no-op that passes
// every token through unscoped — the local/dev posture (DefaultJWTConfig).
func NewAuthenticator(cfg config.JWTConfig, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{
		hmacSecret: []byte(cfg.Secret),
		enabled:    cfg.Secret != "" || cfg.PublicKey != "",
		logger:     logger.With(zap.String("component", "manager.auth")),
	}
	if cfg.PublicKey != "" {
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, errs.New(errs.Invalid, "failed to decode PEM block for RSA public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errs.Wrap(errs.Invalid, err, "parse RSA public key")
		}
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errs.New(errs.Invalid, "public key is not RSA")
		}
		a.rsaKey = key
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	a.parserOpts = opts
	return a, nil
}

// Authenticate validates tokenStr and injects its project_scope and
// source_agent claims into ctx. When the authenticator has no configured
// key material it returns ctx unchanged (no enforcement) — the local/dev
// posture; production deployments must set JWT.Secret or JWT.PublicKey.
func (a *Authenticator) Authenticate(ctx context.Context, tokenStr string) (context.Context, error) {
	if !a.enabled {
		return ctx, nil
	}
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	if tokenStr == "" {
		return ctx, errs.New(errs.Unauthorized, "missing bearer token")
	}

	token, err := jwt.Parse(tokenStr, a.keyFunc, a.parserOpts...)
	if err != nil {
		return ctx, errs.Wrap(errs.Unauthorized, err, "invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ctx, errs.New(errs.Unauthorized, "invalid token claims")
	}

	scope, ok := claims["project_scope"].(string)
	if !ok || scope == "" {
		return ctx, errs.New(errs.Unauthorized, "token missing project_scope claim")
	}
	ctx = types.WithProjectScope(ctx, types.ProjectScope(scope))

	if agent, ok := claims["source_agent"].(string); ok && agent != "" {
		ctx = types.WithSourceAgent(ctx, types.SourceAgent(agent))
	}
	return ctx, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if len(a.hmacSecret) == 0 {
			return nil, errs.New(errs.Unauthorized, "HMAC secret not configured")
		}
		return a.hmacSecret, nil
	case "RS256":
		if a.rsaKey == nil {
			return nil, errs.New(errs.Unauthorized, "RSA public key not configured")
		}
		return a.rsaKey, nil
	default:
		return nil, errs.Newf(errs.Unauthorized, "unexpected signing method: %s", token.Method.Alg())
	}
}

// RequireScope verifies that the caller's authenticated scope (if any
// enforcement is configured) matches requested. It is the guard every
// Manager write/read should apply before touching a layer, per spec
// §4.8(d)'s "never serve data across project scopes" invariant.
func (a *Authenticator) RequireScope(ctx context.Context, requested types.ProjectScope) error {
	if !a.enabled {
		return nil
	}
	scope, ok := types.ProjectScopeFromContext(ctx)
	if !ok {
		return errs.New(errs.Unauthorized, "no authenticated project scope in context")
	}
	if scope != requested {
		return errs.New(errs.Unauthorized, "authenticated scope does not match requested project scope")
	}
	return nil
}

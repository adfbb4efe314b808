// Package tokenauth validates the signed tokens that authenticate gateway
// requests and streams. A primary shared secret (HS256) covers first-party
// tokens; an optional external secret — a second HMAC secret, an RSA public
// key in PEM form, or a JWKS endpoint — covers tokens minted by an outside
// issuer. Every failure mode collapses to auth.ErrUnauthorized so callers
// cannot distinguish a malformed signature from an expired token.
package tokenauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/driftsync/driftsync/auth"
)

// tenantClaimKeys are the claim names, in precedence order, that may carry
// the tenant id a token is scoped to.
var tenantClaimKeys = []string{"tenantId", "projectId"}

// Config controls token validation.
type Config struct {
	// Secret is the primary HS256 verification secret. Required unless a
	// SecretSource is provided.
	Secret string

	// SecretSource overrides Secret with a dynamic source (e.g. a watched
	// file supporting rotation).
	SecretSource SecretSource

	// ExternalSecret is an alternate verification secret for tokens minted
	// by an outside issuer. Either a second HMAC secret or an RSA public key
	// in PEM form.
	ExternalSecret string

	// ExternalJWKSURL, when set, validates externally minted RS256 tokens
	// against the issuer's JWKS. Keys auto-refresh.
	ExternalJWKSURL string

	// PayloadPath selects a nested object within the token claims (dotted
	// path, e.g. "data.claims") as the effective claims payload.
	PayloadPath string

	// Leeway tolerated on time-based claims. Defaults to 60s.
	Leeway time.Duration
}

// Validator validates raw tokens into auth.Claims. Construct once; safe for
// concurrent use.
type Validator struct {
	primary     SecretSource
	extHMAC     []byte
	extRSA      *rsa.PublicKey
	extJWKS     jwt.Keyfunc
	payloadPath []string
	leeway      time.Duration
}

// New constructs a Validator. JWKS initialization (if configured) happens
// here so request paths never pay for key discovery.
func New(ctx context.Context, cfg Config) (*Validator, error) {
	v := &Validator{
		primary: cfg.SecretSource,
		leeway:  cfg.Leeway,
	}
	if v.leeway == 0 {
		v.leeway = 60 * time.Second
	}
	if v.primary == nil {
		if cfg.Secret == "" {
			return nil, errors.New("tokenauth: verification secret is required")
		}
		v.primary = StaticSecret(cfg.Secret)
	}
	if cfg.PayloadPath != "" {
		v.payloadPath = strings.Split(cfg.PayloadPath, ".")
	}
	if cfg.ExternalSecret != "" {
		if strings.Contains(cfg.ExternalSecret, "-----BEGIN") {
			pub, err := parseRSAPublicKey(cfg.ExternalSecret)
			if err != nil {
				return nil, fmt.Errorf("tokenauth: external secret: %w", err)
			}
			v.extRSA = pub
		} else {
			v.extHMAC = []byte(cfg.ExternalSecret)
		}
	}
	if cfg.ExternalJWKSURL != "" {
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.ExternalJWKSURL})
		if err != nil {
			return nil, fmt.Errorf("tokenauth: jwks init: %w", err)
		}
		v.extJWKS = kf.Keyfunc
	}
	return v, nil
}

// ParseAndValidate verifies raw and returns its claims. When tenantID is
// non-empty and the token declares a tenant, the two must match.
func (v *Validator) ParseAndValidate(ctx context.Context, raw string, tenantID string) (*auth.Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	claims, err := v.verify(raw)
	if err != nil {
		return nil, err
	}

	payload, err := v.extractPayload(claims)
	if err != nil {
		return nil, err
	}

	out := &auth.Claims{Raw: payload}
	if sub, _ := payload["sub"].(string); sub != "" {
		out.Subject = sub
	} else if uid, _ := payload["userId"].(string); uid != "" {
		out.Subject = uid
	}
	for _, k := range tenantClaimKeys {
		if t, _ := payload[k].(string); t != "" {
			out.TenantID = t
			break
		}
	}

	if tenantID != "" && out.TenantID != "" && out.TenantID != tenantID {
		return nil, fmt.Errorf("%w: token tenant mismatch", auth.ErrUnauthorized)
	}
	return out, nil
}

// CheckAuthentication implements auth.Authenticator using standard
// verification with no tenant scoping; the gateway scopes commands to its
// configured tenant independently of client input.
func (v *Validator) CheckAuthentication(ctx context.Context, tok string) (*auth.Claims, error) {
	return v.ParseAndValidate(ctx, tok, "")
}

// verify tries the primary secret first, then each configured external
// verifier. The last underlying cause is wrapped for logs.
func (v *Validator) verify(raw string) (jwt.MapClaims, error) {
	claims, err := v.parseWith(raw, []string{"HS256"}, func(*jwt.Token) (any, error) {
		return v.primary.Secret(), nil
	})
	if err == nil {
		return claims, nil
	}

	if v.extHMAC != nil {
		if claims, herr := v.parseWith(raw, []string{"HS256"}, func(*jwt.Token) (any, error) {
			return v.extHMAC, nil
		}); herr == nil {
			return claims, nil
		}
	}
	if v.extRSA != nil {
		if claims, rerr := v.parseWith(raw, []string{"RS256"}, func(*jwt.Token) (any, error) {
			return v.extRSA, nil
		}); rerr == nil {
			return claims, nil
		}
	}
	if v.extJWKS != nil {
		if claims, jerr := v.parseWith(raw, []string{"RS256", "ES256"}, v.extJWKS); jerr == nil {
			return claims, nil
		}
	}

	return nil, fmt.Errorf("%w: token verification failed: %v", auth.ErrUnauthorized, err)
}

func (v *Validator) parseWith(raw string, algs []string, kf jwt.Keyfunc) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(raw, kf)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// extractPayload applies the configured payload path to the verified claims.
func (v *Validator) extractPayload(claims jwt.MapClaims) (map[string]any, error) {
	payload := map[string]any(claims)
	for _, seg := range v.payloadPath {
		nested, ok := payload[seg].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: claims path %q not found", auth.ErrUnauthorized, strings.Join(v.payloadPath, "."))
		}
		payload = nested
	}
	return payload, nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// PKCS#1 fallback for older key material.
		if rsaPub, rerr := x509.ParsePKCS1PublicKey(block.Bytes); rerr == nil {
			return rsaPub, nil
		}
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	return rsaPub, nil
}

var _ auth.Authenticator = (*Validator)(nil)

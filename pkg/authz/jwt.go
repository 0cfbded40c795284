package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the bearer-token role extractor.
type JWTConfig struct {
	// RoleClaim is a dot-separated claim path, e.g. "realm_access.roles".
	// Default: "role".
	RoleClaim string
	// OperatorRoleValue maps to RoleOperator. Default: "operator".
	OperatorRoleValue string
	// PublicKeyPath is a PEM RSA public key. Empty means tokens are parsed
	// without signature verification (trusted proxy deployments).
	PublicKeyPath string
	Issuer        string
	Audience      string
	Logger        *slog.Logger
}

// NewJWTRoleExtractor returns a RoleExtractor reading the role from an
// "Authorization: Bearer" token. Missing or invalid tokens yield RoleViewer.
func NewJWTRoleExtractor(cfg JWTConfig) (RoleExtractor, error) {
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.OperatorRoleValue == "" {
		cfg.OperatorRoleValue = string(RoleOperator)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var key *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		var err error
		if key, err = loadRSAPublicKey(cfg.PublicKeyPath); err != nil {
			return nil, err
		}
		cfg.Logger.Info("jwt auth: verifying RS256 signatures", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("jwt auth: no public key configured, tokens are not verified")
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(r *http.Request) Role {
		raw := bearerToken(r)
		if raw == "" {
			return RoleViewer
		}
		claims, err := parseClaims(raw, key, opts)
		if err != nil {
			cfg.Logger.Debug("jwt rejected, treating caller as viewer", "error", err)
			return RoleViewer
		}
		return roleFromClaims(claims, cfg.RoleClaim, cfg.OperatorRoleValue)
	}, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jwt public key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key is %T, want RSA", parsed)
	}
	return key, nil
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func parseClaims(raw string, key *rsa.PublicKey, opts []jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if key == nil {
		if _, _, err := jwt.NewParser(opts...).ParseUnverified(raw, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// roleFromClaims walks path through nested objects. A string claim must
// equal operatorValue; an array claim must contain it.
func roleFromClaims(claims jwt.MapClaims, path, operatorValue string) Role {
	var cur any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return RoleViewer
		}
		if cur, ok = m[part]; !ok {
			return RoleViewer
		}
	}
	switch v := cur.(type) {
	case string:
		if strings.EqualFold(v, operatorValue) {
			return RoleOperator
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.EqualFold(s, operatorValue) {
				return RoleOperator
			}
		}
	}
	return RoleViewer
}

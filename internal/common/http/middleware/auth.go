package middleware

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	pkgerrors "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/contextkey"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "auth_claims"

// Claims is the decoded token payload. The service treats it as an opaque
// map; only the subject and realm roles are ever consumed.
type Claims map[string]interface{}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	if sub, ok := c["sub"].(string); ok {
		return sub
	}
	return ""
}

// RealmRoles returns realm_access.roles.
func (c Claims) RealmRoles() []string {
	access, ok := c["realm_access"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// TokenVerifier validates a raw bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Claims, error)
}

// KeycloakVerifier validates RS256 tokens against the realm public key
// published by the issuer.
type KeycloakVerifier struct {
	issuerURL  string
	httpClient *http.Client

	mu  sync.RWMutex
	key *rsa.PublicKey
}

// NewKeycloakVerifier creates a verifier for the given realm issuer URL,
// e.g. "http://keycloak:8080/realms/myrealm".
func NewKeycloakVerifier(issuerURL string, timeout time.Duration) *KeycloakVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeycloakVerifier{
		issuerURL:  strings.TrimRight(issuerURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify parses and validates the token, returning the full claims map.
func (v *KeycloakVerifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return nil, pkgerrors.New(pkgerrors.TokenMissing)
	}
	key, err := v.publicKey(ctx)
	if err != nil {
		return nil, err
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.TokenInvalid)
	}
	return Claims(claims), nil
}

// publicKey returns the cached realm key, discovering it on first use.
// Keycloak publishes the realm endpoint as {"public_key": "<base64 DER>"}.
func (v *KeycloakVerifier) publicKey(ctx context.Context) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.issuerURL, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.IssuerUnknown)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.IssuerUnknown)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, pkgerrors.Newf(pkgerrors.IssuerUnknown, "issuer discovery returned status %d", resp.StatusCode)
	}

	var realm struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&realm); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.IssuerUnknown)
	}
	der, err := base64.StdEncoding.DecodeString(realm.PublicKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.IssuerUnknown)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.IssuerUnknown)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.IssuerUnknown).WithMessage("issuer key is not RSA")
	}

	v.mu.Lock()
	v.key = rsaKey
	v.mu.Unlock()
	return rsaKey, nil
}

// BearerAuth rejects requests without a valid bearer token and stores the
// decoded claims for handlers. The author id is also placed in the request
// context so log lines carry it.
func BearerAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.Header("WWW-Authenticate", "Bearer")
			response.AbortWithErrorCode(c, pkgerrors.TokenMissing, "")
			return
		}
		claims, err := verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(claimsContextKey, claims)
		if sub := claims.Subject(); sub != "" {
			ctx := context.WithValue(c.Request.Context(), contextkey.UserID, sub)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by BearerAuth.
func ClaimsFromContext(c *gin.Context) (Claims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(Claims)
	return claims, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

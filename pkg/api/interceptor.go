package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/runwayhq/runway/pkg/types"
)

// RoleViewer marks sessions that may read but not write
const RoleViewer = "viewer"

const sessionKey = "runway.session"

// Claims is the JWT payload accepted by the API. Tokens are issued by the
// identity provider; runway only verifies them.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer accepts any.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses a token into a session
func (a *Authenticator) Verify(token string) (types.Session, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return types.Session{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return types.Session{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return types.Session{}, errors.New("token has no subject")
	}

	return types.Session{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Roles:       claims.Roles,
	}, nil
}

// Middleware rejects requests without a valid token and stores the session
// on the gin context. Browsers cannot set headers on websocket upgrades, so
// an access_token query parameter is accepted too.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		session, err := a.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// ReadOnlyInterceptor rejects write methods for viewer sessions
func ReadOnlyInterceptor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isReadOnlyMethod(c.Request.Method) && sessionFrom(c).HasRole(RoleViewer) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "read-only session"})
			return
		}
		c.Next()
	}
}

// isReadOnlyMethod checks if an HTTP method never mutates records
func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func sessionFrom(c *gin.Context) types.Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(types.Session); ok {
			return s
		}
	}
	return types.Session{}
}

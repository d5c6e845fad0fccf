package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gerrit-slack-notifier/internal/log"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

// APIKeyHeader carries the control API key.
const APIKeyHeader = "X-API-Key"

var (
	ErrTokenValidationFailed = errors.New("token validation failed")
	ErrInvalidServiceAccount = errors.New("invalid service account in token")
)

// TokenValidator checks a Google-signed ID token. idtoken.Validate satisfies it.
type TokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// ControlAuth describes who may call the control API: holders of APIKey, and callers presenting
// an ID token for OIDCAudience issued to OIDCServiceAccount (for example Cloud Scheduler).
// With neither configured every request is rejected.
type ControlAuth struct {
	APIKey             string
	OIDCAudience       string
	OIDCServiceAccount string
	Validate           TokenValidator
}

func (a ControlAuth) oidcEnabled() bool {
	return a.OIDCAudience != "" && a.OIDCServiceAccount != ""
}

// ControlAuthMiddleware enforces a ControlAuth.
func ControlAuthMiddleware(auth ControlAuth) gin.HandlerFunc {
	if auth.Validate == nil {
		auth.Validate = idtoken.Validate
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if auth.APIKey == "" && !auth.oidcEnabled() {
			log.Warn(ctx, "Control API called but no credentials are configured", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "control API disabled"})
			return
		}

		if provided := c.GetHeader(APIKeyHeader); provided != "" {
			if auth.APIKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(auth.APIKey)) != 1 {
				log.Warn(ctx, "Invalid API key provided", "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
				return
			}
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		const bearerPrefix = "Bearer "
		if !auth.oidcEnabled() || !strings.HasPrefix(authHeader, bearerPrefix) {
			log.Warn(ctx, "Missing credentials for control request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		if err := verifyOIDCToken(ctx, auth, strings.TrimPrefix(authHeader, bearerPrefix)); err != nil {
			log.Error(ctx, "OIDC token verification failed", "error", err, "operation", "control_auth")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token verification failed"})
			return
		}
		c.Next()
	}
}

func verifyOIDCToken(ctx context.Context, auth ControlAuth, token string) error {
	payload, err := auth.Validate(ctx, token, auth.OIDCAudience)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenValidationFailed, err)
	}

	email, ok := payload.Claims["email"].(string)
	if !ok {
		return fmt.Errorf("%w: missing email claim", ErrTokenValidationFailed)
	}
	if email != auth.OIDCServiceAccount {
		return fmt.Errorf("%w: got %s, expected %s", ErrInvalidServiceAccount, email, auth.OIDCServiceAccount)
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok && !verified {
		return fmt.Errorf("%w: service account email not verified", ErrTokenValidationFailed)
	}

	log.Debug(ctx, "OIDC token validation successful",
		"service_account", email,
		"issuer", payload.Issuer,
		"expires_at", payload.Expires,
	)
	return nil
}

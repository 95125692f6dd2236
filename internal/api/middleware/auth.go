package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// AdminContextKey is set to true on requests that presented the admin token.
const AdminContextKey = "admin"

// HashAdminToken returns the bcrypt hash to put in server.admin_token_hash.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AdminAuth requires "Authorization: Bearer <token>" where token matches the
// bcrypt tokenHash. An empty tokenHash disables the protected routes.
func AdminAuth(tokenHash string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "admin_auth").Logger()

	return func(c *gin.Context) {
		if tokenHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "admin API not configured"})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="serialkeeper"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "missing bearer token"})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			log.Warn().Str("client_ip", c.ClientIP()).Msg("rejected admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid admin token"})
			return
		}

		c.Set(AdminContextKey, true)
		c.Next()
	}
}

// IsAdmin reports whether AdminAuth accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(AdminContextKey)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

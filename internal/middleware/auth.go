package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
)

const callerKey = "caller"

// UserClaims is the access token payload issued by the auth service.
type UserClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth resolves the calling user from a bearer token (HS256, secret) or,
// when trustHeaders is set, from the gateway headers X-User-ID/X-User-Role.
// Requests without a caller are rejected with 401.
func Auth(secret string, trustHeaders bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := fromBearer(c.GetHeader("Authorization"), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
			return
		}
		if caller == nil && trustHeaders {
			caller = fromHeaders(c)
		}
		if caller == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authorization required"})
			return
		}
		c.Set(callerKey, *caller)
		c.Next()
	}
}

// fromBearer returns nil, nil when no bearer token is present.
func fromBearer(header, secret string) (*model.Caller, error) {
	if header == "" {
		return nil, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, fmt.Errorf("invalid authorization header format")
	}
	if secret == "" {
		return nil, fmt.Errorf("bearer tokens are not accepted")
	}
	var claims UserClaims
	_, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	role, _ := model.ParseCallerRole(claims.Role)
	return &model.Caller{UserID: claims.Subject, Role: role}, nil
}

func fromHeaders(c *gin.Context) *model.Caller {
	id := strings.TrimSpace(c.GetHeader(constants.HeaderUserID))
	if id == "" {
		return nil
	}
	role, _ := model.ParseCallerRole(c.GetHeader(constants.HeaderUserRole))
	return &model.Caller{UserID: id, Role: role}
}

// CallerFrom returns the caller stored by Auth.
func CallerFrom(c *gin.Context) (model.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return model.Caller{}, false
	}
	caller, ok := v.(model.Caller)
	return caller, ok
}

// RequireRole lets through only callers with one of roles; others get 403.
// Must run after Auth.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, _ := CallerFrom(c)
		for _, r := range roles {
			if caller.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "operation not allowed for role " + string(caller.Role)})
	}
}

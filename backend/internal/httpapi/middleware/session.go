package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxAuthenticated = "authenticated"
	ctxUsername      = "username"
)

// Session records whether the request carries a session credential. It never rejects:
// the websocket accept path must let unauthenticated connections in so the session can
// warm up, and REST routes add RequireSession on top.
//
// The credential is looked up in the session cookie, then the Authorization header,
// then ?token= (browsers cannot set headers on a websocket upgrade).
func Session(cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := credential(c.Request, cookieName)
		c.Set(ctxAuthenticated, token != "")
		c.Set(ctxUsername, usernameFrom(token))
		c.Next()
	}
}

// RequireSession aborts with 401 when Session found no credential.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Authenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "session credential is missing",
			})
			return
		}
		c.Next()
	}
}

func Authenticated(c *gin.Context) bool { return c.GetBool(ctxAuthenticated) }

func Username(c *gin.Context) string { return c.GetString(ctxUsername) }

func credential(r *http.Request, cookieName string) string {
	if cookieName != "" {
		if ck, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(ck.Value) != "" {
			return strings.TrimSpace(ck.Value)
		}
	}
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// usernameFrom reads the display name out of a JWT session token. The token is NOT
// verified here; it is only used to label presence. Opaque session ids yield "".
func usernameFrom(token string) string {
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if name, ok := claims["username"].(string); ok && name != "" {
		return name
	}
	if sub, err := claims.GetSubject(); err == nil {
		return sub
	}
	return ""
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Session("studio_session"))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"authenticated": Authenticated(c), "username": Username(c)})
	})
	r.GET("/private", RequireSession(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestSessionCredentialSources(t *testing.T) {
	r := newRouter()
	token := signed(t, jwt.MapClaims{"username": "alex"})

	cases := []struct {
		name  string
		build func(req *http.Request)
		want  string
	}{
		{"cookie", func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "studio_session", Value: token}) }, `{"authenticated":true,"username":"alex"}`},
		{"bearer", func(req *http.Request) { req.Header.Set("Authorization", "bearer "+token) }, `{"authenticated":true,"username":"alex"}`},
		{"query", func(req *http.Request) { req.URL.RawQuery = "token=" + token }, `{"authenticated":true,"username":"alex"}`},
		{"opaque cookie", func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "studio_session", Value: "s3ss10n"}) }, `{"authenticated":true,"username":""}`},
		{"none", func(req *http.Request) {}, `{"authenticated":false,"username":""}`},
		{"other cookie", func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"}) }, `{"authenticated":false,"username":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			tc.build(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tc.want, w.Body.String())
		})
	}
}

func TestUsernameFallsBackToSubject(t *testing.T) {
	assert.Equal(t, "user-9", usernameFrom(signed(t, jwt.MapClaims{"sub": "user-9"})))
	assert.Equal(t, "", usernameFrom("not.a.jwt"))
}

func TestRequireSession(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: "studio_session", Value: "abc"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

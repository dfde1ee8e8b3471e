package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier(testSecret)
	token, err := v.Issue("user_1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestVerifier_DefaultsRoleToUser(t *testing.T) {
	v := NewVerifier(testSecret)
	token, err := v.Issue("user_1", "", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, claims.Role)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier(testSecret)

	expired, err := v.Issue("user_1", RoleUser, -time.Hour)
	require.NoError(t, err)

	otherKey, err := NewVerifier("another-secret-that-is-32-bytes-long!!").Issue("user_1", RoleUser, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user_1"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong key", otherKey, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"no expiry", noExpiry, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func newRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/private", RequireAuth(), func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func do(r *gin.Engine, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	v := NewVerifier(testSecret)
	token, _ := v.Issue("user_42", RoleUser, time.Hour)

	w := do(newRouter(v), "/open", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user_42", w.Body.String())
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	w := do(newRouter(NewVerifier(testSecret)), "/open", "Bearer nope")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestMiddleware_QueryToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token, _ := v.Issue("user_ws", RoleUser, time.Hour)

	w := do(newRouter(v), "/open?access_token="+token, "")
	assert.Equal(t, "user_ws", w.Body.String())
}

func TestRequireAuth(t *testing.T) {
	v := NewVerifier(testSecret)
	r := newRouter(v)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/private", "").Code)

	token, _ := v.Issue("user_1", RoleUser, time.Hour)
	w := do(r, "/private", "bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user_1", w.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	v := NewVerifier(testSecret)
	r := newRouter(v)

	user, _ := v.Issue("user_1", RoleUser, time.Hour)
	admin, _ := v.Issue("ops_1", RoleAdmin, time.Hour)

	assert.Equal(t, http.StatusUnauthorized, do(r, "/admin", "").Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/admin", "Bearer "+user).Code)
	assert.Equal(t, http.StatusOK, do(r, "/admin", "Bearer "+admin).Code)
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func parse(t *testing.T, raw string) *jwt.Token {
	t.Helper()
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	return token
}

func TestRefreshTokenFromContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	initialTokenStr, _, err := GenerateToken("operator", testSecret, 5*time.Minute)
	require.NoError(t, err)
	token := parse(t, initialTokenStr)
	c.Set("user", token)

	// Ensure the refreshed token gets a later iat.
	time.Sleep(1 * time.Second)

	newTokenStr, newExpiresAt, err := RefreshTokenFromContext(c, testSecret, time.Hour)
	require.NoError(t, err)

	originalClaims := token.Claims.(jwt.MapClaims)
	origIat := int64(originalClaims["iat"].(float64))
	origExp := int64(originalClaims["exp"].(float64))

	newToken := parse(t, newTokenStr)
	assert.True(t, newToken.Valid)
	newClaims := newToken.Claims.(jwt.MapClaims)
	assert.Equal(t, "operator", newClaims[claimSubject])
	assert.Equal(t, adminScope, newClaims[claimScope])

	newIat := int64(newClaims["iat"].(float64))
	newExp := int64(newClaims["exp"].(float64))
	assert.Greater(t, newIat, origIat)
	assert.Equal(t, origExp-origIat, newExp-newIat)
	assert.Equal(t, int64(5*60), newExp-newIat)
	assert.Equal(t, newExpiresAt.Unix(), newExp)
}

func TestRefreshTokenFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	_, _, err := RefreshTokenFromContext(c, testSecret, time.Hour)
	require.Error(t, err)

	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestSubjectFromContextRequiresAdminScope(t *testing.T) {
	t.Parallel()

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	c.Set("user", parse(t, foreign))
	_, err = SubjectFromContext(c)
	assert.Error(t, err)

	valid, _, err := GenerateToken("operator", testSecret, time.Hour)
	require.NoError(t, err)
	c.Set("user", parse(t, valid))
	subject, err := SubjectFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "operator", subject)
}

func TestJWTMiddleware(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(JWTMiddleware(testSecret, func(c echo.Context) bool {
		return c.Path() == "/open"
	}))
	e.GET("/open", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/admin", func(c echo.Context) error {
		subject, err := SubjectFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, subject)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := GenerateToken("operator", testSecret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator", rec.Body.String())
}

func TestRequireAdminRejectsForeignScope(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.Use(JWTMiddleware(testSecret, nil))
	e.Use(RequireAdmin(nil))
	e.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin, _, err := GenerateToken("operator", testSecret, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

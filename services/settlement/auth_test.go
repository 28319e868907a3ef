package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "secret-de-test"

func signedToken(t *testing.T, subject, role string, method jwt.SigningMethod) string {
	t.Helper()
	claims := AuthClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func authedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/", AuthMiddleware(testJWTSecret))
	group.GET("/moi", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"caller_id": c.GetString(ctxKeyCallerID),
			"role":      c.GetString(ctxKeyCallerRole),
		})
	})
	admin := group.Group("/admin", RequireAdmin())
	admin.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})
	return router
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	recorder := performRequest(authedRouter(), http.MethodGet, "/moi", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthMiddleware_RejectsGarbageToken(t *testing.T) {
	recorder := performRequest(authedRouter(), http.MethodGet, "/moi", nil, map[string]string{
		"Authorization": "Bearer pas.un.jwt",
	})

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthMiddleware_SetsCallerIdentity(t *testing.T) {
	token := signedToken(t, "coureur-1", "coureur", jwt.SigningMethodHS256)

	recorder := performRequest(authedRouter(), http.MethodGet, "/moi", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"caller_id":"coureur-1"`)
	assert.Contains(t, recorder.Body.String(), `"role":"coureur"`)
}

func TestRequireAdmin_ForbidsNonAdmin(t *testing.T) {
	token := signedToken(t, "coureur-1", "coureur", jwt.SigningMethodHS256)

	recorder := performRequest(authedRouter(), http.MethodGet, "/admin/ping", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})

	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	token := signedToken(t, "operateur-1", roleAdmin, jwt.SigningMethodHS256)

	recorder := performRequest(authedRouter(), http.MethodGet, "/admin/ping", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})

	assert.Equal(t, http.StatusOK, recorder.Code)
}

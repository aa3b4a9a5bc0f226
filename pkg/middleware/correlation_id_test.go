package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftride/dispatch/pkg/logger"
)

func correlationRouter(captured *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationID())
	router.GET("/ping", func(c *gin.Context) {
		*captured = logger.CorrelationIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorrelationIDAdoptsValidHeader(t *testing.T) {
	var fromCtx string
	router := correlationRouter(&fromCtx)
	id := uuid.New().String()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, id)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, id, rec.Header().Get(CorrelationIDHeader))
	assert.Equal(t, id, fromCtx)
}

func TestCorrelationIDReplacesMalformedHeader(t *testing.T) {
	var fromCtx string
	router := correlationRouter(&fromCtx)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "not-a-uuid; DROP TABLE")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	echoed := rec.Header().Get(CorrelationIDHeader)
	require.NotEmpty(t, echoed)
	assert.NotEqual(t, "not-a-uuid; DROP TABLE", echoed)
	_, err := uuid.Parse(echoed)
	assert.NoError(t, err)
	assert.Equal(t, echoed, fromCtx)
}

func TestCorrelationIDGeneratesWhenAbsent(t *testing.T) {
	var fromCtx string
	router := correlationRouter(&fromCtx)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	_, err := uuid.Parse(rec.Header().Get(CorrelationIDHeader))
	assert.NoError(t, err)
	assert.NotEmpty(t, fromCtx)
}

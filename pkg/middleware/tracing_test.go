package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordedSpans(t *testing.T, handle func(*gin.Engine), fire func(*gin.Engine)) []sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationID())
	router.Use(TracingMiddleware("dispatch-test"))
	handle(router)
	fire(router)

	return recorder.Ended()
}

func TestTracingMiddlewareNamesSpanAfterRoute(t *testing.T) {
	userID := uuid.New().String()

	spans := recordedSpans(t,
		func(r *gin.Engine) {
			r.GET("/api/v1/rides/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
		},
		func(r *gin.Engine) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/abc", nil)
			req.Header.Set(UserIDHeader, userID)
			r.ServeHTTP(httptest.NewRecorder(), req)
		},
	)

	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /api/v1/rides/:id", span.Name())

	attrs := map[string]string{}
	status := 0
	for _, kv := range span.Attributes() {
		switch string(kv.Key) {
		case "http.status_code":
			status = int(kv.Value.AsInt64())
		default:
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
	}
	assert.Equal(t, "/api/v1/rides/:id", attrs["http.route"])
	assert.Equal(t, "/api/v1/rides/abc", attrs["http.target"])
	assert.Equal(t, userID, attrs["user.id"])
	assert.NotEmpty(t, attrs["request.id"])
	assert.Equal(t, http.StatusOK, status)
}

func TestTracingMiddlewareCollapsesUnmatchedRoutes(t *testing.T) {
	spans := recordedSpans(t,
		func(*gin.Engine) {},
		func(r *gin.Engine) {
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
		},
	)

	require.Len(t, spans, 1)
	assert.Equal(t, "GET unmatched", spans[0].Name())
}

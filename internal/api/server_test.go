package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"copytrade-signals/config"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/simulation"
)

func testServer(cfg *config.Config) *Server {
	gin.SetMode(gin.TestMode)
	if cfg == nil {
		cfg = &config.Config{
			ServerConfig: config.ServerConfig{RateLimitMax: 1000, RateLimitWindow: 1},
		}
	}
	return &Server{config: cfg, logger: zerolog.Nop()}
}

func runMiddleware(mw gin.HandlerFunc, headers map[string]string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/probe", mw, func(c *gin.Context) {
		successResponse(c, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/probe", strings.NewReader("{}"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	s := testServer(&config.Config{IngestConfig: config.IngestConfig{APIKey: "secret"}})
	w := runMiddleware(s.apiKeyMiddleware(), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAPIKeyMiddlewareRejectsWrongKey(t *testing.T) {
	s := testServer(&config.Config{IngestConfig: config.IngestConfig{APIKey: "secret"}})
	w := runMiddleware(s.apiKeyMiddleware(), map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestAPIKeyMiddlewareAcceptsConfiguredKey(t *testing.T) {
	s := testServer(&config.Config{IngestConfig: config.IngestConfig{APIKey: "secret"}})
	w := runMiddleware(s.apiKeyMiddleware(), map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"success":true`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestAPIKeyMiddlewareDisabledWithoutSecret(t *testing.T) {
	s := testServer(&config.Config{})
	w := runMiddleware(s.apiKeyMiddleware(), map[string]string{"X-API-Key": "anything"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRateLimitMiddlewareBlocksBeyondBurst(t *testing.T) {
	s := testServer(&config.Config{
		ServerConfig: config.ServerConfig{RateLimitMax: 2, RateLimitWindow: 60},
	})
	mw := s.rateLimitMiddleware()

	var last int
	for i := 0; i < 3; i++ {
		w := runMiddleware(mw, nil)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestRespondErrMapsServiceErrors(t *testing.T) {
	s := testServer(nil)
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad direction", simulation.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: margin over limit", simulation.ErrRiskRejected), http.StatusBadRequest},
		{fmt.Errorf("%w: only 3 trades", simulation.ErrInsufficientData), http.StatusBadRequest},
		{fmt.Errorf("%w: BTCUSDT", simulation.ErrNoReferencePrice), http.StatusBadRequest},
		{database.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("pool exhausted"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/probe", nil)
		s.respondErr(c, tc.err)
		if w.Code != tc.want {
			t.Fatalf("respondErr(%v) = %d, want %d", tc.err, w.Code, tc.want)
		}
		if !strings.Contains(w.Body.String(), `"success":false`) {
			t.Fatalf("body = %s", w.Body.String())
		}
	}
}

func TestRespondErrRedactsInternalInProduction(t *testing.T) {
	s := testServer(&config.Config{ServerConfig: config.ServerConfig{ProductionMode: true}})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/probe", nil)

	s.respondErr(c, fmt.Errorf("password=hunter2 leaked into error"))
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatalf("internal error not redacted: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "internal error") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

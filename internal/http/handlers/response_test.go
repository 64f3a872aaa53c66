package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tryon-backend/internal/bus"
	"github.com/tbourn/go-tryon-backend/internal/http/middleware"
	"github.com/tbourn/go-tryon-backend/internal/services"
)

func TestFail_ServerErrorIsLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(zerolog.New(&buf)))
	r.GET("/boom", func(c *gin.Context) { fail(c, http.StatusBadGateway, ErrCodeBackend, "model overloaded") })
	r.GET("/nope", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "rid-502")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp != (ErrorResponse{RequestID: "rid-502", Code: ErrCodeBackend, Message: "model overloaded"}) {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"message":"api error"`) {
		t.Fatalf("expected api error log, got: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	if strings.Contains(buf.String(), "api error") {
		t.Fatalf("client errors must not log as api errors: %s", buf.String())
	}
}

func TestStatusFor(t *testing.T) {
	kinded := func(kind string) error {
		return fmt.Errorf("wrapped: %w", &bus.ResponseError{Kind: bus.ErrorKind(kind), Message: kind})
	}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{kinded(services.KindInvalidRequest), http.StatusUnprocessableEntity, ErrCodeBadRequest},
		{kinded(services.KindQuotaExceeded), http.StatusTooManyRequests, ErrCodeQuotaExceeded},
		{kinded(services.KindAsset), http.StatusUnprocessableEntity, ErrCodeAsset},
		{kinded(services.KindBackend), http.StatusBadGateway, ErrCodeBackend},
		{kinded(services.KindRecord), http.StatusInternalServerError, ErrCodeRecord},
		{kinded(string(bus.KindUnreachable)), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{kinded(string(bus.KindNoHandler)), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{kinded(string(bus.KindInternal)), http.StatusInternalServerError, ErrCodeInternal},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("statusFor(%v) = %d %s; want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestIPLimiter_BurstThenReject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewIPLimiter(rate.Every(time.Hour), 2, time.Minute)
	defer l.Close()

	r := gin.New()
	r.Use(l.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, code := range want {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != code {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, code)
		}
	}

	// 不同 IP 各自计数
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other ip: status = %d, want 200", w.Code)
	}

	// 伪造 X-Forwarded-For 不能换到新桶
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed forwarded-for: status = %d, want 429", w.Code)
	}
}

func TestIPLimiter_ReapRemovesIdleBuckets(t *testing.T) {
	l := NewIPLimiter(rate.Inf, 1, time.Minute)
	defer l.Close()
	l.Allow("idle")
	l.Allow("busy")

	if n := l.reap(time.Now()); n != 0 {
		t.Errorf("reap() right away removed %d, want 0", n)
	}
	if n := l.reap(time.Now().Add(2 * time.Minute)); n != 2 {
		t.Errorf("reap() after idle removed %d, want 2", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
	l.Close()
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name    string
		env     string
		allowed []string
		origin  string
		want    string
	}{
		{"dev allows any", "dev", nil, "http://evil.test", "http://evil.test"},
		{"prod allowlist", "prod", []string{"https://app.example.com"}, "https://app.example.com", "https://app.example.com"},
		{"prod same host", "prod", nil, "http://example.com", "http://example.com"},
		{"prod rejects other", "prod", nil, "http://evil.test", ""},
		{"prod rejects host suffix trick", "prod", nil, "http://example.com.evil.test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env, tt.allowed))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("dev", nil))
	r.OPTIONS("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

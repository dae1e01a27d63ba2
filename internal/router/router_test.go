package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/payment"
	"github.com/dujiao-next/memberpay/internal/provider"

	"github.com/gin-gonic/gin"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Server.Mode = "debug"
	cfg.UserJWT.SecretKey = testSecret
	cfg.Security.RateLimit = config.RateLimitConfig{WindowSeconds: 60, MaxRequests: 10}
	return SetupRouter(cfg, &provider.Container{Config: cfg, Registry: payment.NewRegistry()})
}

func TestSetupRouterHealthAndMetrics(t *testing.T) {
	r := newTestEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status want 200 got %d", w.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal health failed: %v", err)
	}
	if !resp.Success || resp.Data.Status != "ok" {
		t.Fatalf("unexpected health body: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status want 200 got %d", w.Code)
	}
}

func TestSetupRouterGuardsProtectedRoutes(t *testing.T) {
	r := newTestEngine(t)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodPost, path: "/api/payment/create", want: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/api/payment/status/A1", want: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/api/membership/me", want: http.StatusUnauthorized},
		{method: http.MethodPost, path: "/api/admin/payment/orders/A1/refund", want: http.StatusUnauthorized},
		{method: http.MethodPost, path: "/api/payment/callback/unknown", want: http.StatusNotFound},
		{method: http.MethodGet, path: "/api/nowhere", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.want {
			t.Fatalf("%s %s want %d got %d body=%s", tc.method, tc.path, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestBuildAdminPermissionCatalog(t *testing.T) {
	r := newTestEngine(t)
	items := buildAdminPermissionCatalog(r)

	want := map[string]bool{
		"GET:/admin/payment/orders/:orderId":         false,
		"POST:/admin/payment/orders/:orderId/refund": false,
		"POST:/admin/payment/reconcile":              false,
		"GET:/admin/permissions":                     false,
	}
	for _, item := range items {
		if _, ok := want[item.Permission]; ok {
			want[item.Permission] = true
		}
		if item.Object == "" || item.Module == "" {
			t.Fatalf("incomplete catalog item: %+v", item)
		}
	}
	for permission, seen := range want {
		if !seen {
			t.Fatalf("permission %s missing from catalog: %+v", permission, items)
		}
	}
	if len(items) != len(want) {
		t.Fatalf("catalog should only hold admin routes, got %+v", items)
	}
}

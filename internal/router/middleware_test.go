package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dujiao-next/memberpay/internal/authn"
	"github.com/dujiao-next/memberpay/internal/authz"
	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/constants"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

func TestResolveAllowedOrigin(t *testing.T) {
	got := resolveAllowedOrigin("https://example.com", []string{"*"}, false)
	if got != "*" {
		t.Fatalf("wildcard without credentials should return *, got %s", got)
	}

	got = resolveAllowedOrigin("https://example.com", []string{"*"}, true)
	if got != "https://example.com" {
		t.Fatalf("wildcard with credentials should echo origin, got %s", got)
	}

	got = resolveAllowedOrigin("https://a.example.com", []string{"https://a.example.com", "https://b.example.com"}, false)
	if got != "https://a.example.com" {
		t.Fatalf("allow-list should return matched origin, got %s", got)
	}

	got = resolveAllowedOrigin("https://x.example.com", []string{"https://a.example.com"}, false)
	if got != "" {
		t.Fatalf("unmatched origin should be empty, got %s", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": getRequestID(c)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-123")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("response request id want req-123 got %s", w.Header().Get(requestIDHeader))
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp["request_id"] != "req-123" {
		t.Fatalf("context request id want req-123 got %s", resp["request_id"])
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w2, req2)
	generated := w2.Header().Get(requestIDHeader)
	if generated == "" {
		t.Fatalf("generated request id should not be empty")
	}
	if resp := strings.TrimSpace(generated); resp == "" {
		t.Fatalf("generated request id should not be blank")
	}
}

const testSecret = "router-test-secret-0123456789abcdef"

func newAuthTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(UserJWTAuthMiddleware(secret))
	r.GET("/api/membership/me", func(c *gin.Context) {
		userID, _ := c.Get(constants.ContextKeyUserID)
		role, _ := c.Get(constants.ContextKeyUserRole)
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": role})
	})
	return r
}

func TestUserJWTAuthMiddlewareRejects(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, authn.Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign expired token failed: %v", err)
	}
	otherSecret, _, err := authn.IssueToken("another-secret-0123456789abcdef", "u-1", "", 1)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	cases := []struct {
		name   string
		secret string
		header string
	}{
		{name: "missing secret", secret: "", header: "Bearer x"},
		{name: "missing header", secret: testSecret, header: ""},
		{name: "not bearer", secret: testSecret, header: "Basic abc"},
		{name: "garbage token", secret: testSecret, header: "Bearer not-a-jwt"},
		{name: "expired token", secret: testSecret, header: "Bearer " + expired},
		{name: "wrong secret", secret: testSecret, header: "Bearer " + otherSecret},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newAuthTestRouter(tc.secret)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/membership/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status want 401 got %d body=%s", w.Code, w.Body.String())
			}
			var resp struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal response failed: %v", err)
			}
			if resp.Success || resp.Error == "" {
				t.Fatalf("unexpected envelope: %s", w.Body.String())
			}
		})
	}
}

func TestUserJWTAuthMiddlewareSetsContext(t *testing.T) {
	token, _, err := authn.IssueToken(testSecret, "u-42", "support", 1)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	r := newAuthTestRouter(testSecret)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/membership/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status want 200 got %d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp["user_id"] != "u-42" || resp["role"] != "support" {
		t.Fatalf("unexpected context values: %+v", resp)
	}
}

func newRBACTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	svc, err := authz.NewService(db)
	if err != nil {
		t.Fatalf("new authz service failed: %v", err)
	}
	if err := svc.BootstrapBuiltinRoles(); err != nil {
		t.Fatalf("bootstrap roles failed: %v", err)
	}
	if err := svc.BootstrapUserRoles(map[string]string{"fin-1": "finance"}); err != nil {
		t.Fatalf("bootstrap user roles failed: %v", err)
	}

	r := gin.New()
	admin := r.Group("/api/admin", UserJWTAuthMiddleware(testSecret), AdminRBACMiddleware(svc))
	admin.POST("/payment/orders/:orderId/refund", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	admin.GET("/payment/orders/:orderId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestAdminRBACMiddleware(t *testing.T) {
	r := newRBACTestRouter(t)

	cases := []struct {
		name   string
		userID string
		role   string
		method string
		path   string
		want   int
	}{
		{name: "finance user refunds", userID: "fin-1", method: http.MethodPost, path: "/api/admin/payment/orders/A1/refund", want: http.StatusOK},
		{name: "auditor claim reads", userID: "u-2", role: "readonly_auditor", method: http.MethodGet, path: "/api/admin/payment/orders/A1", want: http.StatusOK},
		{name: "auditor claim cannot refund", userID: "u-2", role: "readonly_auditor", method: http.MethodPost, path: "/api/admin/payment/orders/A1/refund", want: http.StatusForbidden},
		{name: "plain user denied", userID: "u-3", method: http.MethodGet, path: "/api/admin/payment/orders/A1", want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, _, err := authn.IssueToken(testSecret, tc.userID, tc.role, 1)
			if err != nil {
				t.Fatalf("issue token failed: %v", err)
			}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status want %d got %d body=%s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminRBACMiddlewareWithoutUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminRBACMiddleware(&authz.Service{}))
	r.GET("/api/admin/payment/orders/:orderId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/payment/orders/A1", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status want 401 got %d", w.Code)
	}
}

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status want 204 got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status want 404 got %d", w.Code)
	}
}

func TestDeriveAdminPermissionModule(t *testing.T) {
	if got := deriveAdminPermissionModule("/admin/payment/orders/:orderId"); got != "payment" {
		t.Fatalf("module want payment got %s", got)
	}
	if got := deriveAdminPermissionModule(""); got != "system" {
		t.Fatalf("module want system got %s", got)
	}
}

func TestRequestIDMiddlewareRegeneratesOversizedID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	oversized := strings.Repeat("x", maxRequestIDLength+1)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, oversized)
	r.ServeHTTP(w, req)
	got := w.Header().Get(requestIDHeader)
	if got == "" || got == oversized {
		t.Fatalf("oversized request id should be replaced, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}}))
	r.POST("/api/payment/create", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/payment/create", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status want 204 got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("unexpected allow origin: %s", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), requestIDHeader) {
		t.Fatalf("request id header should be allowed: %s", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

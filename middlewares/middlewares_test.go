package middlewares

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/multipack_backend/utils"
	"google.golang.org/api/idtoken"
)

const testSecret = "hush"

func sessionToken(t *testing.T, secret string, dest string, expires time.Time) string {
	t.Helper()
	claims := utils.SessionTokenClaims{
		Dest: dest,
		StandardClaims: jwt.StandardClaims{
			Audience:  "app-key",
			Subject:   "77",
			ExpiresAt: expires.Unix(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/ping", AuthMiddleware(), func(c *gin.Context) {
		shop, _ := utils.GetShopFromContext(c.Request.Context())
		user, _ := utils.GetUserIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"shop": shop, "user": user})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("SHOPIFY_API_SECRET", testSecret)
	t.Setenv("SHOPIFY_API_KEY", "app-key")
	valid := sessionToken(t, testSecret, "https://demo.myshopify.com", time.Now().Add(time.Minute))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"bearer token", "Authorization", "Bearer " + valid, http.StatusOK},
		{"token header", "token", valid, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong secret", "Authorization", "Bearer " + sessionToken(t, "other", "https://demo.myshopify.com", time.Now().Add(time.Minute)), http.StatusUnauthorized},
		{"expired", "Authorization", "Bearer " + sessionToken(t, testSecret, "https://demo.myshopify.com", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"no destination", "Authorization", "Bearer " + sessionToken(t, testSecret, "", time.Now().Add(time.Minute)), http.StatusUnauthorized},
	}
	r := authRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status == http.StatusOK && w.Body.String() != `{"shop":"demo.myshopify.com","user":"77"}` {
				t.Fatalf("unexpected context %s", w.Body.String())
			}
		})
	}
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"id":1}`)
	good := signBody(body, testSecret)
	if !VerifyWebhookSignature(body, good, []byte(testSecret)) {
		t.Fatalf("expected valid signature")
	}
	if VerifyWebhookSignature(append(body, ' '), good, []byte(testSecret)) {
		t.Fatalf("tampered body accepted")
	}
	if VerifyWebhookSignature(body, good, nil) {
		t.Fatalf("empty secret must reject")
	}
	if VerifyWebhookSignature(body, "%%%", []byte(testSecret)) {
		t.Fatalf("undecodable signature accepted")
	}
}

type sessionsFunc func(ctx context.Context, shop string) (bool, error)

func (f sessionsFunc) HasSession(ctx context.Context, shop string) (bool, error) { return f(ctx, shop) }

func TestSessionMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name     string
		shop     string
		sessions sessionsFunc
		status   int
	}{
		{"installed", "a.myshopify.com", func(context.Context, string) (bool, error) { return true, nil }, http.StatusOK},
		{"not installed", "a.myshopify.com", func(context.Context, string) (bool, error) { return false, nil }, http.StatusUnauthorized},
		{"store error", "a.myshopify.com", func(context.Context, string) (bool, error) { return false, errors.New("db down") }, http.StatusUnauthorized},
		{"no shop", "", func(context.Context, string) (bool, error) { return true, nil }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(func(c *gin.Context) {
				if tt.shop != "" {
					c.Request = c.Request.WithContext(utils.SetShopInContext(c.Request.Context(), tt.shop))
				}
			})
			r.GET("/x", SessionMiddleware(tt.sessions), func(c *gin.Context) { c.Status(http.StatusOK) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestReadinessAndCorrelationId(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ready := false
	r := gin.New()
	r.Use(CorrelationIdMiddleware(), ReadinessMiddleware(func() bool { return ready }))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/api/rules", func(c *gin.Context) {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, cid)
	})

	serve := func(path string, cid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if cid != "" {
			req.Header.Set("x-correlation-id", cid)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := serve("/healthz", ""); w.Code != http.StatusNoContent {
		t.Fatalf("healthz must bypass readiness, got %d", w.Code)
	}
	if w := serve("/api/rules", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}
	ready = true
	w := serve("/api/rules", "cid-1")
	if w.Code != http.StatusOK || w.Body.String() != "cid-1" || w.Header().Get("x-correlation-id") != "cid-1" {
		t.Fatalf("correlation id not propagated: %d %q", w.Code, w.Body.String())
	}
	if w := serve("/api/rules", ""); w.Header().Get("x-correlation-id") == "" {
		t.Fatalf("correlation id should be generated")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	counts := map[string]int64{}
	counter := func(ctx context.Context, key string, window time.Duration) (int64, error) {
		counts[key]++
		return counts[key], nil
	}
	rl := NewRateLimiter(counter, 2, time.Minute)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if shop := c.GetHeader("X-Test-Shop"); shop != "" {
			c.Request = c.Request.WithContext(utils.SetShopInContext(c.Request.Context(), shop))
		}
	})
	r.GET("/x", rl.RateLimitMiddleware, func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(shop string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Test-Shop", shop)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	for i := 0; i < 2; i++ {
		if code := serve("a.myshopify.com"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := serve("a.myshopify.com"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := serve("b.myshopify.com"); code != http.StatusOK {
		t.Fatalf("other shop must have its own window, got %d", code)
	}

	failing := NewRateLimiter(func(context.Context, string, time.Duration) (int64, error) {
		return 0, errors.New("redis down")
	}, 1, time.Minute)
	r2 := gin.New()
	r2.GET("/x", failing.RateLimitMiddleware, func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r2.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("counter failure should let requests through, got %d", w.Code)
	}
}

func pushRouter(validate TokenValidator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/pubsub/reconcile", PubSubPushMiddleware(validate), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestPubSubPushMiddleware(t *testing.T) {
	validate := func(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
		if token != "google-signed" || audience != "https://multipack.example.com/pubsub/reconcile" {
			return nil, errors.New("invalid token")
		}
		return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
			"email":          "push@project.iam.gserviceaccount.com",
			"email_verified": true,
		}}, nil
	}

	tests := []struct {
		name     string
		env      string
		audience string
		account  string
		auth     string
		status   int
	}{
		{"no audience outside production", "", "", "", "", http.StatusNoContent},
		{"no audience in production", "production", "", "", "Bearer google-signed", http.StatusUnauthorized},
		{"missing token", "production", "https://multipack.example.com/pubsub/reconcile", "", "", http.StatusUnauthorized},
		{"invalid token", "production", "https://multipack.example.com/pubsub/reconcile", "", "Bearer forged", http.StatusUnauthorized},
		{"valid token", "production", "https://multipack.example.com/pubsub/reconcile", "", "Bearer google-signed", http.StatusNoContent},
		{"expected service account", "production", "https://multipack.example.com/pubsub/reconcile", "push@project.iam.gserviceaccount.com", "Bearer google-signed", http.StatusNoContent},
		{"other service account", "production", "https://multipack.example.com/pubsub/reconcile", "other@project.iam.gserviceaccount.com", "Bearer google-signed", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GO_ENV", tt.env)
			t.Setenv("PUBSUB_PUSH_AUDIENCE", tt.audience)
			t.Setenv("PUBSUB_PUSH_SERVICE_ACCOUNT", tt.account)

			req := httptest.NewRequest(http.MethodPost, "/pubsub/reconcile", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			pushRouter(validate).ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

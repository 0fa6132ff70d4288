package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dapidd12/hexhs/internal/store"
)

var testSecret = []byte("test-secret")

func TestGenerateAndValidateJWT(t *testing.T) {
	token, err := GenerateJWT("alice", store.RoleAdmin, time.Hour, testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateJWT(token, testSecret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TenantID != "alice" || claims.Role != store.RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateJWTRejectsWrongSecret(t *testing.T) {
	token, err := GenerateJWT("alice", store.RoleUser, time.Hour, testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateJWT(token, []byte("other-secret")); err != ErrInvalidJWT {
		t.Fatalf("err = %v, want ErrInvalidJWT", err)
	}
}

func TestValidateJWTRejectsExpired(t *testing.T) {
	token, err := GenerateJWT("alice", store.RoleUser, -time.Minute, testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateJWT(token, testSecret); err != ErrExpiredJWT {
		t.Fatalf("err = %v, want ErrExpiredJWT", err)
	}
}

func setupAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	protected := r.Group("/", JWTAuthMiddleware(testSecret))
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": TenantID(c), "role": Role(c)})
	})
	admin := protected.Group("/", RequireRole(store.RoleAdmin))
	admin.GET("/admin", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestJWTAuthMiddlewareTokenSources(t *testing.T) {
	r := setupAuthRouter(t)
	token, _ := GenerateJWT("alice", store.RoleUser, time.Hour, testSecret)

	// Authorization header.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("header auth: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"tenant":"alice"`) {
		t.Fatalf("body = %s", w.Body.String())
	}

	// Cookie fallback.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cookie auth: status %d", w.Code)
	}

	// Query parameter fallback for EventSource clients.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me?token="+token, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("query auth: status %d", w.Code)
	}

	// No token at all.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing auth: status %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := setupAuthRouter(t)

	userToken, _ := GenerateJWT("alice", store.RoleUser, time.Hour, testSecret)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("user role: status %d, want 403", w.Code)
	}

	ownerToken, _ := GenerateJWT("alice", store.RoleOwner, time.Hour, testSecret)
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("owner role: status %d, want 200", w.Code)
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(8)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 8 {
		t.Fatalf("len = %d, want 8", len(key))
	}
	for _, ch := range key {
		if !strings.ContainsRune(keyAlphabet, ch) {
			t.Fatalf("key %q contains %q outside the alphabet", key, ch)
		}
	}

	other, _ := GenerateKey(8)
	if key == other {
		t.Fatal("two generated keys should differ")
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30d", 30 * 24 * time.Hour, true},
		{"12h", 12 * time.Hour, true},
		{"45m", 45 * time.Minute, true},
		{"1D", 24 * time.Hour, true},
		{"", 0, false},
		{"d", 0, false},
		{"-5d", 0, false},
		{"10x", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseDuration(%q) err = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

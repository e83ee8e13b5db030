package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestServiceAuth(t *testing.T) {
	t.Parallel()

	const (
		userSecret    = "user-secret"
		serviceSecret = "service-secret"
	)

	serve := func(secret, token string) (*httptest.ResponseRecorder, string) {
		var caller string
		router := gin.New()
		router.Use(ServiceAuth(secret))
		router.DELETE("/internal/notifications", func(c *gin.Context) {
			caller = GetUserID(c)
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodDelete, "/internal/notifications", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w, caller
	}

	sign := func(t *testing.T, secret, subject string) string {
		t.Helper()
		token, err := GenerateJWT(secret, subject, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		return token
	}

	t.Run("サービス用シークレットのトークンは通過する", func(t *testing.T) {
		t.Parallel()

		w, caller := serve(serviceSecret, sign(t, serviceSecret, "society-service"))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if caller != "society-service" {
			t.Errorf("caller = %q, want society-service", caller)
		}
	})

	t.Run("利用者向けトークンは401になる", func(t *testing.T) {
		t.Parallel()

		w, caller := serve(serviceSecret, sign(t, userSecret, "user-1"))
		if w.Code != http.StatusUnauthorized || caller != "" {
			t.Errorf("code=%d, caller=%q", w.Code, caller)
		}
	})

	t.Run("シークレット未設定ならどのトークンも403になる", func(t *testing.T) {
		t.Parallel()

		w, caller := serve("", sign(t, serviceSecret, "society-service"))
		if w.Code != http.StatusForbidden || caller != "" {
			t.Errorf("code=%d, caller=%q", w.Code, caller)
		}
	})
}

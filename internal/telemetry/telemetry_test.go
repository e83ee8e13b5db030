package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nao1215/societynotify/internal/config"
)

func TestSetup(t *testing.T) {
	t.Parallel()

	t.Run("エンドポイント未設定なら何もしない終了関数を返す", func(t *testing.T) {
		t.Parallel()

		shutdown, err := Setup(t.Context(), config.TelemetryConfig{}, zerolog.Nop())
		if err != nil {
			t.Fatalf("Setup()でエラーが発生: %v", err)
		}
		if err := shutdown(t.Context()); err != nil {
			t.Errorf("shutdown()でエラーが発生: %v", err)
		}
	})
}

func TestSampleRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{name: "範囲内はそのまま", ratio: 0.25, want: 0.25},
		{name: "0はそのまま", ratio: 0, want: 0},
		{name: "負数は1になる", ratio: -0.5, want: 1},
		{name: "1を超える値は1になる", ratio: 3, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := SampleRatio(tt.ratio); got != tt.want {
				t.Errorf("SampleRatio(%v) = %v, want %v", tt.ratio, got, tt.want)
			}
		})
	}
}

func TestWrapHandler(t *testing.T) {
	t.Parallel()

	t.Run("包んだハンドラーにリクエストが届く", func(t *testing.T) {
		t.Parallel()

		called := false
		h := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		}), "test")

		for _, path := range []string{"/notifications", "/notifications/sse"} {
			called = false
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if !called || w.Code != http.StatusTeapot {
				t.Errorf("%s: called=%v, code=%d", path, called, w.Code)
			}
		}
	})
}

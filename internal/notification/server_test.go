package notification

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nao1215/societynotify/internal/realtime"
	"github.com/nao1215/societynotify/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}

const (
	// testJWTSecret はテスト用のJWTシークレット。
	testJWTSecret = "server-test-secret"
	// testInternalSecret は内部API用のテストシークレット。
	testInternalSecret = "server-test-internal-secret"
)

// testEnv はテスト用サーバーと依存コンポーネント一式。
type testEnv struct {
	server     *Server
	store      *SQLiteStore
	registry   *realtime.Registry
	dispatcher *Dispatcher
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	store := newTestStore(t)
	registry := newTestRegistry(t)
	reg := prometheus.NewRegistry()
	dispatcher := NewDispatcher(store, registry, zerolog.Nop(), WithDispatcherMetrics(NewMetrics(reg)))
	server := NewServer(store, registry, dispatcher, ServerConfig{
		JWTSecret:      testJWTSecret,
		InternalSecret: testInternalSecret,
		FetchLimit:     DefaultLimit,
		AllowedOrigins: []string{"http://localhost:3000"},
		Gatherer:       reg,
	}, zerolog.Nop())

	return &testEnv{server: server, store: store, registry: registry, dispatcher: dispatcher}
}

// tokenFor はユーザーのテスト用トークンを発行する。
func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testJWTSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// serviceTokenFor は内部APIを呼ぶ業務サービスのテスト用トークンを発行する。
func serviceTokenFor(t *testing.T, service string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testInternalSecret, service, time.Hour)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(env *testEnv, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// dataArray はレスポンスのdataを配列として取り出す。
func dataArray(t *testing.T, result map[string]any) []any {
	t.Helper()
	data, ok := result["data"].([]any)
	if !ok {
		t.Fatalf("dataが配列ではない: %v", result["data"])
	}
	return data
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	env := setupTestServer(t)
	w := doRequest(env, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := parseJSON(t, w)
	if result["status"] != "ok" || result["service"] != "notification" {
		t.Errorf("result = %v", result)
	}
}

// TestMetricsEndpoint はメトリクスの公開を検証する。
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := setupTestServer(t)
	if _, err := env.dispatcher.SendToUsers(t.Context(), []string{"user-1"}, likeMessage()); err != nil {
		t.Fatalf("SendToUsers()でエラーが発生: %v", err)
	}

	w := doRequest(env, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `societynotify_notifications_persisted_total{kind="like"} 1`) {
		t.Errorf("メトリクスが公開されていない: %s", w.Body.String())
	}
}

// TestHandleList は通知一覧取得ハンドラのテスト。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無い場合は401を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(env, http.MethodGet, "/notifications", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("通知が存在しない場合は空配列を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(env, http.MethodGet, "/notifications", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if data := dataArray(t, parseJSON(t, w)); len(data) != 0 {
			t.Errorf("配列の長さ: got %d, want 0", len(data))
		}
	})

	t.Run("自分宛ての通知が新しい順に返る", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		base := time.Now()
		older := newTestNotification("user-1", base)
		newer := newTestNotification("user-1", base.Add(time.Minute))
		mustInsert(t, env.store, older, newer, newTestNotification("user-2", base))

		w := doRequest(env, http.MethodGet, "/notifications", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		data := dataArray(t, parseJSON(t, w))
		if len(data) != 2 {
			t.Fatalf("配列の長さ: got %d, want 2", len(data))
		}
		first := data[0].(map[string]any)
		if first["id"] != newer.ID {
			t.Errorf("先頭の通知: got %v, want %s", first["id"], newer.ID)
		}
		for _, key := range []string{"recipientUserId", "kind", "title", "message", "payload", "read", "createdAt"} {
			if _, ok := first[key]; !ok {
				t.Errorf("フィールド %s が含まれていない", key)
			}
		}
	})

	t.Run("件数は上限で打ち切られる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		var batch []Notification
		for i := range DefaultLimit + 5 {
			batch = append(batch, newTestNotification("user-1", time.Now().Add(time.Duration(i)*time.Second)))
		}
		mustInsert(t, env.store, batch...)

		w := doRequest(env, http.MethodGet, "/notifications?limit=500", tokenFor(t, "user-1"), nil)
		if data := dataArray(t, parseJSON(t, w)); len(data) != DefaultLimit {
			t.Errorf("配列の長さ: got %d, want %d", len(data), DefaultLimit)
		}

		w = doRequest(env, http.MethodGet, "/notifications?limit=3", tokenFor(t, "user-1"), nil)
		if data := dataArray(t, parseJSON(t, w)); len(data) != 3 {
			t.Errorf("配列の長さ: got %d, want 3", len(data))
		}

		w = doRequest(env, http.MethodGet, "/notifications?limit=abc", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("ストアが利用できない場合は503を返す", func(t *testing.T) {
		t.Parallel()

		db, err := OpenSQLite(t.Context(), ":memory:", zerolog.Nop())
		if err != nil {
			t.Fatalf("インメモリDBの作成に失敗: %v", err)
		}
		store := NewSQLiteStore(db)
		_ = db.Close()
		registry := newTestRegistry(t)
		env := &testEnv{server: NewServer(store, registry, NewDispatcher(store, registry, zerolog.Nop()), ServerConfig{
			JWTSecret: testJWTSecret,
			Gatherer:  prometheus.NewRegistry(),
		}, zerolog.Nop())}

		w := doRequest(env, http.MethodGet, "/notifications", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if parseJSON(t, w)["error"] == nil {
			t.Error("errorフィールドが無い")
		}
	})
}

// TestHandleListUnread は未読通知一覧取得ハンドラのテスト。
func TestHandleListUnread(t *testing.T) {
	t.Parallel()

	t.Run("未読通知と未読件数を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		read := newTestNotification("user-1", time.Now())
		mustInsert(t, env.store, read, newTestNotification("user-1", time.Now()), newTestNotification("user-1", time.Now()))
		if _, err := env.store.MarkRead(t.Context(), read.ID, "user-1"); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		w := doRequest(env, http.MethodGet, "/notifications/unread", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if data := dataArray(t, result); len(data) != 2 {
			t.Errorf("配列の長さ: got %d, want 2", len(data))
		}
		if result["count"] != float64(2) {
			t.Errorf("count: got %v, want 2", result["count"])
		}
	})
}

// TestHandleMarkRead は既読化ハンドラのテスト。
func TestHandleMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知を既読にできる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		n := newTestNotification("user-1", time.Now())
		mustInsert(t, env.store, n)

		w := doRequest(env, http.MethodPost, "/notifications/mark-read", tokenFor(t, "user-1"), map[string]string{"notificationId": n.ID})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if result["data"] != true || result["updated"] != true {
			t.Errorf("result = %v", result)
		}

		count, _ := env.store.CountUnread(t.Context(), "user-1")
		if count != 0 {
			t.Errorf("未読件数: got %d, want 0", count)
		}
	})

	t.Run("他人の通知は既読にならない", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		n := newTestNotification("user-owner", time.Now())
		mustInsert(t, env.store, n)

		w := doRequest(env, http.MethodPost, "/notifications/mark-read", tokenFor(t, "user-intruder"), map[string]string{"notificationId": n.ID})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if parseJSON(t, w)["updated"] != false {
			t.Error("他人の通知が更新された")
		}

		count, _ := env.store.CountUnread(t.Context(), "user-owner")
		if count != 1 {
			t.Errorf("未読件数: got %d, want 1", count)
		}
	})

	t.Run("notificationIdが無い場合は400を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(env, http.MethodPost, "/notifications/mark-read", tokenFor(t, "user-1"), map[string]string{})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleMarkAllRead は全既読化ハンドラのテスト。
func TestHandleMarkAllRead(t *testing.T) {
	t.Parallel()

	env := setupTestServer(t)
	mustInsert(t, env.store,
		newTestNotification("user-1", time.Now()),
		newTestNotification("user-1", time.Now()),
		newTestNotification("user-2", time.Now()),
	)

	w := doRequest(env, http.MethodPost, "/notifications/mark-all-read", tokenFor(t, "user-1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
	result := parseJSON(t, w)
	if result["data"] != true || result["updated"] != float64(2) {
		t.Errorf("result = %v", result)
	}

	if count, _ := env.store.CountUnread(t.Context(), "user-2"); count != 1 {
		t.Errorf("他ユーザーの未読件数: got %d, want 1", count)
	}
}

// TestHandleSend は通知送信ハンドラのテスト。
func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("受け付けた通知が全宛先に保存される", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		w := doRequest(env, http.MethodPost, "/internal/notifications/send", serviceTokenFor(t, "society-service"), map[string]any{
			"userIds": []string{"user-1", "user-2"},
			"kind":    "new_event",
			"title":   "New Event Created",
			"message": `Carol created a new event: "Spring Open" in Chess Club`,
			"payload": map[string]string{"eventId": "ev-1", "societyId": "soc-1"},
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
		}
		if parseJSON(t, w)["data"] != true {
			t.Error("dataがtrueではない")
		}

		env.dispatcher.Wait()
		for _, userID := range []string{"user-1", "user-2"} {
			stored, err := env.store.FindByUser(t.Context(), userID, 0)
			if err != nil || len(stored) != 1 {
				t.Fatalf("%s の通知 = %v, %v", userID, stored, err)
			}
			if stored[0].Kind != KindNewEvent || stored[0].Payload["societyId"] != "soc-1" {
				t.Errorf("stored = %+v", stored[0])
			}
		}
	})

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "宛先が空の場合は400を返す", body: map[string]any{"userIds": []string{}, "kind": "like", "title": "t", "message": "m"}},
		{name: "未定義の種別の場合は400を返す", body: map[string]any{"userIds": []string{"u"}, "kind": "poke", "title": "t", "message": "m"}},
		{name: "タイトルが無い場合は400を返す", body: map[string]any{"userIds": []string{"u"}, "kind": "like", "message": "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := setupTestServer(t)

			w := doRequest(env, http.MethodPost, "/internal/notifications/send", serviceTokenFor(t, "svc"), tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestHandleDeleteByRef は参照削除ハンドラのテスト。
func TestHandleDeleteByRef(t *testing.T) {
	t.Parallel()

	t.Run("参照が一致する通知が削除される", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		n := newTestNotification("user-1", time.Now())
		n.Payload = Payload{"societyId": "soc-1"}
		mustInsert(t, env.store, n, newTestNotification("user-1", time.Now()))

		w := doRequest(env, http.MethodDelete, "/internal/notifications?key=societyId&value=soc-1", serviceTokenFor(t, "svc"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		data, _ := parseJSON(t, w)["data"].(map[string]any)
		if data["deleted"] != float64(1) {
			t.Errorf("deleted: got %v, want 1", data["deleted"])
		}
	})

	t.Run("利用者のトークンでは削除できない", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		n := newTestNotification("user-1", time.Now())
		n.Payload = Payload{"societyId": "soc-1"}
		mustInsert(t, env.store, n)

		w := doRequest(env, http.MethodDelete, "/internal/notifications?key=societyId&value=soc-1", tokenFor(t, "user-1"), nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
		stored, err := env.store.FindByUser(t.Context(), "user-1", 0)
		if err != nil || len(stored) != 1 {
			t.Errorf("通知が削除された: %v, %v", stored, err)
		}
	})

	t.Run("不正なキーは400を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		for _, path := range []string{
			"/internal/notifications?key=society.id&value=x",
			"/internal/notifications?key=societyId",
		} {
			w := doRequest(env, http.MethodDelete, path, serviceTokenFor(t, "svc"), nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: ステータスコード: got %d, want %d", path, w.Code, http.StatusBadRequest)
			}
		}
	})
}

// sseFrame はSSEで受信した1メッセージ。
type sseFrame struct {
	retry string
	frame realtime.Frame
}

// sseReader はSSEストリームを1メッセージずつ読む。
type sseReader struct {
	r *bufio.Reader
}

// next は空行までを1メッセージとして読み、デコードして返す。
func (s *sseReader) next() (sseFrame, error) {
	var out sseFrame
	var data string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return out, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "retry:"); ok {
			out.retry = v
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = v
		}
	}
	if err := json.Unmarshal([]byte(data), &out.frame); err != nil {
		return out, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}
	return out, nil
}

// openStream はプッシュチャネルを開き、接続確立フレームを読んだ状態で返す。
func openStream(t *testing.T, baseURL, token string) (*http.Response, *sseReader) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, baseURL+"/notifications/sse?token="+token, nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("プッシュチャネルの接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", resp.StatusCode, http.StatusOK)
	}
	reader := &sseReader{r: bufio.NewReader(resp.Body)}
	hello, err := reader.next()
	if err != nil {
		t.Fatalf("接続確立フレームの読み込みに失敗: %v", err)
	}
	if hello.frame.Type != realtime.FrameConnected || hello.frame.Message != "Connected to notifications" {
		t.Fatalf("最初のフレーム = %+v", hello.frame)
	}
	if hello.retry != "1000" {
		t.Errorf("retry: got %q, want %q", hello.retry, "1000")
	}
	return resp, reader
}

// eventually は条件が満たされるまで最大2秒待つ。
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が2秒以内に満たされなかった")
}

// TestHandleStream はプッシュチャネルのテスト。
func TestHandleStream(t *testing.T) {
	t.Parallel()

	t.Run("トークンが無い・不正な場合はフレームを送らず401を返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)

		expired, err := middleware.GenerateJWT(testJWTSecret, "user-1", -time.Minute)
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}
		for _, query := range []string{"", "?token=garbage", "?token=" + expired} {
			w := doRequest(env, http.MethodGet, "/notifications/sse"+query, "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("%q: ステータスコード: got %d, want %d", query, w.Code, http.StatusUnauthorized)
			}
			if strings.Contains(w.Body.String(), "data:") {
				t.Errorf("%q: フレームが送信された: %s", query, w.Body.String())
			}
		}
		if env.registry.Len() != 0 {
			t.Error("認証失敗時に接続が登録された")
		}
	})

	t.Run("接続中のユーザーに通知がプッシュされ切断で登録が解除される", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		ts := httptest.NewServer(env.server.Handler())
		t.Cleanup(ts.Close)

		resp, reader := openStream(t, ts.URL, tokenFor(t, "user-1"))
		for _, key := range []string{"Content-Type", "Cache-Control", "X-Accel-Buffering"} {
			if resp.Header.Get(key) == "" {
				t.Errorf("ヘッダー %s が設定されていない", key)
			}
		}
		if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
			t.Errorf("Content-Type: got %q", got)
		}
		eventually(t, func() bool { return env.registry.IsLive("user-1") })

		result, err := env.dispatcher.SendToUsers(t.Context(), []string{"user-1", "user-2"}, likeMessage())
		if err != nil {
			t.Fatalf("SendToUsers()でエラーが発生: %v", err)
		}
		if result.Pushed != 1 || result.Offline != 1 {
			t.Errorf("result = %+v", result)
		}

		got, err := reader.next()
		if err != nil {
			t.Fatalf("フレームの読み込みに失敗: %v", err)
		}
		stored, _ := env.store.FindByUser(t.Context(), "user-1", 0)
		if got.frame.Type != "like" || len(stored) != 1 || got.frame.ID != stored[0].ID {
			t.Errorf("frame = %+v", got.frame)
		}

		_ = resp.Body.Close()
		eventually(t, func() bool { return !env.registry.IsLive("user-1") })
	})

	t.Run("同じユーザーの再接続で古いストリームが閉じられる", func(t *testing.T) {
		t.Parallel()
		env := setupTestServer(t)
		ts := httptest.NewServer(env.server.Handler())
		t.Cleanup(ts.Close)

		_, oldReader := openStream(t, ts.URL, tokenFor(t, "user-1"))
		eventually(t, func() bool { return env.registry.IsLive("user-1") })
		first, _ := env.registry.Lookup("user-1")

		_, newReader := openStream(t, ts.URL, tokenFor(t, "user-1"))
		eventually(t, func() bool {
			conn, ok := env.registry.Lookup("user-1")
			return ok && conn != first
		})

		if _, err := oldReader.next(); err == nil {
			t.Errorf("古いストリームが閉じられていない: %v", err)
		}

		if _, err := env.dispatcher.SendToUsers(t.Context(), []string{"user-1"}, likeMessage()); err != nil {
			t.Fatalf("SendToUsers()でエラーが発生: %v", err)
		}
		got, err := newReader.next()
		if err != nil || got.frame.Type != "like" {
			t.Errorf("新しいストリームのフレーム = %+v, %v", got.frame, err)
		}
		if env.registry.Len() != 1 {
			t.Errorf("Len(): got %d, want 1", env.registry.Len())
		}
	})
}

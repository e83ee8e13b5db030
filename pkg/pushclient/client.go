package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized はトークンが拒否されたことを表す。再試行しても結果は変わらない。
var ErrUnauthorized = errors.New("認証に失敗しました")

// Client は通知サービスのクライアント。
type Client struct {
	// httpClient はREST API用のHTTPクライアント。
	httpClient *http.Client
	// streamClient はプッシュチャネル用のHTTPクライアント。長時間の接続になるためタイムアウトを持たない。
	streamClient *http.Client
	// baseURL は通知サービスのベースURL。
	baseURL string
	// token は認証トークン。
	token string
	// backoff は再接続の間隔。
	backoff Backoff
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithBackoff は再接続の間隔を設定する。
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithHTTPClient はREST APIとプッシュチャネルで使うHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

// New は新しいクライアントを生成する。
// baseURLには通知サービスのベースURL（例: "http://notification:8086"）を指定する。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		baseURL:      baseURL,
		token:        token,
		backoff:      DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notification はサーバーから受け取った通知。
type Notification struct {
	ID              string         `json:"id"`
	RecipientUserID string         `json:"recipientUserId"`
	Kind            string         `json:"kind"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Payload         map[string]any `json:"payload"`
	Read            bool           `json:"read"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Notifications は自分宛ての通知を新しい順に取得する。
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var resp struct {
		Data []Notification `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UnreadNotifications は未読の通知と未読件数を取得する。
func (c *Client) UnreadNotifications(ctx context.Context) ([]Notification, int64, error) {
	var resp struct {
		Data  []Notification `json:"data"`
		Count int64          `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/notifications/unread", nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Data, resp.Count, nil
}

// MarkRead は通知を既読にする。状態が変わった場合にtrueを返す。
func (c *Client) MarkRead(ctx context.Context, notificationID string) (bool, error) {
	var resp struct {
		Updated bool `json:"updated"`
	}
	body := map[string]string{"notificationId": notificationID}
	if err := c.doJSON(ctx, http.MethodPost, "/notifications/mark-read", body, &resp); err != nil {
		return false, err
	}
	return resp.Updated, nil
}

// MarkAllRead は全ての通知を既読にし、既読にした件数を返す。
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var resp struct {
		Updated int64 `json:"updated"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/notifications/mark-all-read", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

package pushclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrMaxAttempts は再接続の上限回数に達したことを表す。
var ErrMaxAttempts = errors.New("再接続の上限回数に達しました")

// errStreamClosed はサーバーがストリームを閉じたことを表す。
var errStreamClosed = errors.New("ストリームが閉じられました")

// maxFrameSize は1行あたりの最大バイト数。
const maxFrameSize = 1 << 20

// Backoff は再接続の間隔と回数の上限。
type Backoff struct {
	// Base は最初の再接続までの待ち時間。
	Base time.Duration
	// Max は待ち時間の上限。
	Max time.Duration
	// MaxAttempts は連続して失敗できる回数。
	MaxAttempts int
}

// DefaultBackoff は再接続間隔のデフォルト値。
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}

// exponential はBackoffと同じ間隔を返す指数バックオフを生成する。
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.Max,
	}
	eb.Reset()
	return eb
}

// Delay はn回目（0始まり）の再接続までの待ち時間を返す。min(Base·2ⁿ, Max)。
func (b Backoff) Delay(n int) time.Duration {
	eb := b.exponential()
	d := eb.NextBackOff()
	for range max(n, 0) {
		d = eb.NextBackOff()
	}
	return d
}

// Event はプッシュチャネルで受け取ったフレーム。
type Event struct {
	// Type はフレーム種別。"connected"、"heartbeat"、または通知種別。
	Type string `json:"type"`
	// ID は通知ID。通知フレームのみ。
	ID string `json:"id,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title,omitempty"`
	// Message は表示用メッセージ。
	Message string `json:"message,omitempty"`
	// Data は通知のペイロード。
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp はハートビートの送信時刻（Unixミリ秒）。
	Timestamp int64 `json:"timestamp,omitempty"`
}

// IsNotification は通知フレームかどうかを返す。
func (e Event) IsNotification() bool {
	return e.Type != "connected" && e.Type != "heartbeat"
}

// Handler はフレームを受け取るたびに呼ばれる。
type Handler func(Event)

// Subscribe はプッシュチャネルを購読し、ctxがキャンセルされるまで受信を続ける。
// 切断時は指数バックオフで再接続し、接続に成功するたびに失敗回数を数え直す。
// 認証エラーはすぐに返し、連続失敗が上限に達した場合はErrMaxAttemptsを返す。
func (c *Client) Subscribe(ctx context.Context, handler Handler) error {
	eb := c.backoff.exponential()
	attempts := 0

	for {
		err := c.stream(ctx, handler, func() {
			attempts = 0
			eb.Reset()
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if attempts >= c.backoff.MaxAttempts {
			return fmt.Errorf("%w: %w", ErrMaxAttempts, err)
		}
		attempts++

		timer := time.NewTimer(eb.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// stream は1回分の接続を開き、切断されるまでフレームを読む。
// 戻る前に必ずレスポンスボディを閉じる。
func (c *Client) stream(ctx context.Context, handler Handler, opened func()) error {
	endpoint := c.baseURL + "/notifications/sse?token=" + url.QueryEscape(c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("プッシュチャネルへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTPエラー: status=%d", resp.StatusCode)
	}
	opened()

	return readFrames(resp.Body, handler)
}

// readFrames は空行区切りのメッセージを読み、data行をEventにして渡す。
func readFrames(r io.Reader, handler Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err == nil {
				handler(ev)
			}
			data.Reset()
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ストリームの読み込みに失敗: %w", err)
	}
	return errStreamClosed
}

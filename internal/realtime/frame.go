package realtime

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gin-contrib/sse"
)

// フレーム種別。通知イベントのフレームは通知種別（like、comment など）をそのまま使う。
const (
	// FrameConnected は接続確立直後に1度だけ送るフレーム。
	FrameConnected = "connected"
	// FrameHeartbeat は接続維持のために定期送信するフレーム。
	FrameHeartbeat = "heartbeat"
)

// connectedMessage は接続確立フレームのメッセージ。
const connectedMessage = "Connected to notifications"

// Frame はプッシュチャネルで送る1つのメッセージ。
// JSONとしてSSEのdataフィールドに格納される。
type Frame struct {
	// Type はフレーム種別。
	Type string `json:"type"`
	// ID は通知ID。通知イベントのフレームでのみ設定する。
	ID string `json:"id,omitempty"`
	// Title は通知タイトル。
	Title string `json:"title,omitempty"`
	// Message は表示用メッセージ。
	Message string `json:"message,omitempty"`
	// Data は通知ペイロード。
	Data any `json:"data,omitempty"`
	// Timestamp はハートビート送信時刻（Unixミリ秒）。
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ConnectedFrame は接続確立フレームを返す。
func ConnectedFrame() Frame {
	return Frame{Type: FrameConnected, Message: connectedMessage}
}

// HeartbeatFrame は時刻tのハートビートフレームを返す。
func HeartbeatFrame(t time.Time) Frame {
	return Frame{Type: FrameHeartbeat, Timestamp: t.UnixMilli()}
}

// EventFrame は通知1件分のフレームを返す。
func EventFrame(kind, id, title, message string, data any) Frame {
	return Frame{Type: kind, ID: id, Title: title, Message: message, Data: data}
}

// Encode はフレームをイベント名なしのSSEメッセージにエンコードする。
// retryが正なら再接続間隔のヒントを付与する。
func Encode(f Frame, retry time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	ev := sse.Event{Data: f}
	if retry > 0 {
		ev.Retry = uint(retry.Milliseconds())
	}
	if err := sse.Encode(&buf, ev); err != nil {
		return nil, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

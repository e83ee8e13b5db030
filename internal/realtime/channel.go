package realtime

import (
	"fmt"
	"net/http"
)

// Channel はエンコード済みフレームを1つずつ相手へ届ける書き込み口。
// 書き込みに失敗したチャネルは再利用しない。
type Channel interface {
	Send(frame []byte) error
}

// HTTPChannel はSSEレスポンスへ書き込むChannel。
type HTTPChannel struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewHTTPChannel はレスポンスライターからChannelを生成する。
func NewHTTPChannel(w http.ResponseWriter) *HTTPChannel {
	return &HTTPChannel{w: w, rc: http.NewResponseController(w)}
}

// Send はフレームを書き込み、即座にフラッシュする。
func (c *HTTPChannel) Send(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	if err := c.rc.Flush(); err != nil {
		return fmt.Errorf("フレームのフラッシュに失敗: %w", err)
	}
	return nil
}

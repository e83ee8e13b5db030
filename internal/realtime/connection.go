package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed は閉じた接続へ送信しようとしたことを表す。
var ErrConnectionClosed = errors.New("接続は閉じられています")

// Connection は1ユーザーのライブなプッシュチャネル。
type Connection struct {
	registry    *Registry
	userID      string
	channel     Channel
	connectedAt time.Time

	// writeMu は1接続内のフレーム送信を直列化する。
	writeMu  sync.Mutex
	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func newConnection(r *Registry, userID string, ch Channel, now time.Time) *Connection {
	return &Connection{
		registry:    r,
		userID:      userID,
		channel:     ch,
		connectedAt: now,
		done:        make(chan struct{}),
	}
}

// UserID は接続しているユーザーのIDを返す。
func (c *Connection) UserID() string { return c.userID }

// ConnectedAt は接続の登録時刻を返す。
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Done は接続が閉じられたときにクローズされるチャネルを返す。
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send はフレームを送信する。
// 書き込みに失敗した接続は即座に閉じてRegistryから削除し、再試行しない。
func (c *Connection) Send(f Frame) error {
	payload, err := Encode(f, 0)
	if err != nil {
		return err
	}

	if err := c.write(payload); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		if f.Type == FrameHeartbeat {
			c.registry.metrics.heartbeatFailed()
		} else {
			c.registry.metrics.writeFailed()
		}
		c.registry.logger.Warn().Err(err).Str("user", c.userID).Str("frame", f.Type).Msg("フレームの送信に失敗したため接続を閉じます")
		c.registry.release(c)
		return fmt.Errorf("ユーザー %s への送信に失敗: %w", c.userID, err)
	}
	return nil
}

// write はwriteMuを保持してチャネルへ書き込む。
// 閉じ状態の確認もロック内で行い、Registryから削除された後の書き込みを防ぐ。
func (c *Connection) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.channel.Send(payload)
}

// Close は接続を閉じ、まだ登録中であればRegistryから削除する。
// 送信中のフレームがあれば書き込みが終わるまで待つ。
func (c *Connection) Close() {
	c.registry.release(c)
	c.writeMu.Lock()
	// 以降の送信はclosedで弾かれるため、レスポンスへの参照を手放す
	c.channel = nil
	c.writeMu.Unlock()
}

// shutdown は接続を閉じ状態にしてハートビートを止める。何度呼んでもよい。
// Registryのロック内から呼ばれるため、writeMuは取らない。
func (c *Connection) shutdown() {
	c.doneOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// heartbeat は接続が閉じられるまで一定間隔でハートビートを送る。
func (c *Connection) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(HeartbeatFrame(c.registry.now())); err != nil {
				return
			}
		}
	}
}

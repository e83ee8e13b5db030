package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval はハートビート送信間隔のデフォルト値。
const DefaultHeartbeatInterval = 30 * time.Second

// Registry はユーザーIDごとのライブ接続を管理する。
// 1ユーザーにつき保持する接続は高々1本。
//
// ロック順序は常に Registry.mu → Connection.writeMu。
// Connectionの書き込み経路は writeMu を保持したまま Registry.mu を取らない。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	heartbeatInterval time.Duration
	now               func() time.Time
	logger            zerolog.Logger
	metrics           *Metrics
}

// Option はRegistryの生成オプション。
type Option func(*Registry)

// WithHeartbeatInterval はハートビート間隔を設定する。0以下は無視する。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatInterval = d
		}
	}
}

// WithMetrics はPrometheusメトリクスを設定する。
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock はハートビートの時刻源を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:             make(map[string]*Connection),
		heartbeatInterval: DefaultHeartbeatInterval,
		now:               time.Now,
		logger:            logger.With().Str("component", "registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register はuserIDの接続としてchを登録し、ハートビートを開始する。
// 既存の接続があれば、新しい接続を登録する前にその接続を閉じて置き換える。
func (r *Registry) Register(userID string, ch Channel) *Connection {
	conn := newConnection(r, userID, ch, r.now())

	r.mu.Lock()
	old, superseded := r.conns[userID]
	if superseded {
		old.shutdown()
	}
	r.conns[userID] = conn
	live := len(r.conns)
	r.mu.Unlock()

	r.metrics.setLive(live)
	if superseded {
		r.metrics.superseded()
		r.logger.Info().Str("user", userID).Msg("既存の接続を新しい接続で置き換えました")
	} else {
		r.logger.Info().Str("user", userID).Msg("ユーザーが接続しました")
	}

	go conn.heartbeat(r.heartbeatInterval)
	return conn
}

// Unregister はuserIDの接続を閉じて削除する。未登録なら何もしない。
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
		conn.shutdown()
	}
	live := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.metrics.setLive(live)
		r.logger.Info().Str("user", userID).Msg("ユーザーが切断しました")
	}
}

// Lookup はuserIDのライブ接続を返す。
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// IsLive はuserIDがライブ接続を持つかを返す。
func (r *Registry) IsLive(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Len はライブ接続の数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll は全ての接続を閉じる。サーバー停止時に使う。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	for _, conn := range conns {
		conn.shutdown()
	}
	r.mu.Unlock()

	r.metrics.setLive(0)
	if len(conns) > 0 {
		r.logger.Info().Int("connections", len(conns)).Msg("全ての接続を閉じました")
	}
}

// release はconnがまだ登録中の接続であれば削除し、connを閉じる。
// 置き換え済みの古い接続から呼ばれても新しい接続には影響しない。
func (r *Registry) release(conn *Connection) {
	r.mu.Lock()
	current, ok := r.conns[conn.userID]
	removed := ok && current == conn
	if removed {
		delete(r.conns, conn.userID)
	}
	conn.shutdown()
	live := len(r.conns)
	r.mu.Unlock()

	if removed {
		r.metrics.setLive(live)
		r.logger.Info().Str("user", conn.userID).Msg("ユーザーが切断しました")
	}
}

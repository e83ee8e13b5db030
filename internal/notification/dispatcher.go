package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nao1215/societynotify/internal/realtime"
)

var tracer = otel.Tracer("github.com/nao1215/societynotify/internal/notification")

// DefaultDispatchTimeout はNotifyで1回の配信に許す時間のデフォルト値。
const DefaultDispatchTimeout = 10 * time.Second

// ConnectionLookup はユーザーのライブ接続を引く。*realtime.Registry が実装する。
type ConnectionLookup interface {
	Lookup(userID string) (*realtime.Connection, bool)
}

// Result は1回の配信結果。
type Result struct {
	// Persisted は保存できた通知の件数。
	Persisted int
	// Pushed はライブ接続へ送信できたフレームの件数。
	Pushed int
	// Offline はライブ接続を持たなかった宛先の数。
	Offline int
}

// Dispatcher は通知を保存し、オンラインの宛先へ即時にプッシュする。
// 保存とプッシュは並行に行い、互いの成否を待たない。
type Dispatcher struct {
	store   Store
	conns   ConnectionLookup
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string
	timeout time.Duration

	inflight sync.WaitGroup
}

// DispatcherOption はDispatcherの生成オプション。
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics はPrometheusメトリクスを設定する。
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatchTimeout はNotifyのタイムアウトを設定する。0以下は無視する。
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatcherClock は通知の作成時刻に使う時刻源を差し替える。
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(store Store, conns ConnectionLookup, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		conns:   conns,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
		timeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendToUsers はuserIDsの各宛先に通知を1件ずつ保存し、ライブ接続があればプッシュする。
// 重複したIDと空のIDは除く。保存の失敗と宛先ごとのプッシュの失敗はまとめて返す。
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []string, msg Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}

	recipients := uniqueRecipients(userIDs)
	if len(recipients) == 0 {
		return Result{}, nil
	}

	ctx, span := tracer.Start(ctx, "notification.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.kind", string(msg.Kind)),
		attribute.Int("notification.recipients", len(recipients)),
	)

	start := time.Now()
	defer func() { d.metrics.observeDuration(time.Since(start)) }()

	notifications := d.build(recipients, msg)

	var (
		wg        sync.WaitGroup
		persisted int
		storeErr  error
		pushed    pushOutcome
	)
	wg.Go(func() { persisted, storeErr = d.persist(ctx, notifications) })
	wg.Go(func() { pushed = d.push(notifications) })
	wg.Wait()

	result := Result{Persisted: persisted, Pushed: pushed.delivered, Offline: pushed.offline}
	d.metrics.observePersisted(msg.Kind, persisted)
	d.metrics.observePushed(msg.Kind, pushed.delivered)
	d.metrics.pushFailed(len(pushed.errs))
	span.SetAttributes(
		attribute.Int("notification.persisted", result.Persisted),
		attribute.Int("notification.pushed", result.Pushed),
	)

	err := errors.Join(append([]error{storeErr}, pushed.errs...)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return result, err
}

// Notify は業務処理の確定後に呼ぶ配信ステップ。
// 呼び出し元のキャンセルから切り離して配信し、エラーはログに記録して返さない。
func (d *Dispatcher) Notify(ctx context.Context, userIDs []string, msg Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	result, err := d.SendToUsers(ctx, userIDs, msg)
	if err != nil {
		d.logger.Error().Err(err).
			Str("kind", string(msg.Kind)).
			Int("persisted", result.Persisted).
			Int("pushed", result.Pushed).
			Msg("通知の配信に失敗しました")
		return
	}
	d.logger.Debug().
		Str("kind", string(msg.Kind)).
		Int("persisted", result.Persisted).
		Int("pushed", result.Pushed).
		Int("offline", result.Offline).
		Msg("通知を配信しました")
}

// NotifyAsync はNotifyをバックグラウンドで実行する。Waitで完了を待てる。
func (d *Dispatcher) NotifyAsync(ctx context.Context, userIDs []string, msg Message) {
	ids := append([]string(nil), userIDs...)
	d.inflight.Go(func() { d.Notify(ctx, ids, msg) })
}

// Wait は実行中のNotifyAsyncが全て終わるまで待つ。
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// build は宛先ごとに通知を組み立てる。内容は共通でIDと宛先だけが異なる。
func (d *Dispatcher) build(recipients []string, msg Message) []Notification {
	createdAt := msg.Time
	if createdAt.IsZero() {
		createdAt = d.now()
	}
	payload := msg.Payload
	if payload == nil {
		payload = Payload{}
	}

	notifications := make([]Notification, 0, len(recipients))
	for _, userID := range recipients {
		notifications = append(notifications, Notification{
			ID:              d.newID(),
			RecipientUserID: userID,
			Kind:            msg.Kind,
			Title:           msg.Title,
			Message:         msg.Message,
			Payload:         payload,
			CreatedAt:       createdAt.UTC(),
		})
	}
	return notifications
}

// persist は通知を保存する。パニックも保存失敗として扱う。
func (d *Dispatcher) persist(ctx context.Context, notifications []Notification) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("通知の保存中にパニック: %v", r)
		}
		if err != nil {
			d.metrics.storeFailed()
			d.logger.Error().Err(err).Int("persisted", n).Int("total", len(notifications)).Msg("通知の保存に失敗しました")
		}
	}()

	n, err = d.store.InsertMany(ctx, notifications)
	if err != nil {
		return n, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return n, nil
}

// pushOutcome はプッシュ処理の集計結果。
type pushOutcome struct {
	delivered int
	offline   int
	errs      []error
}

// push はライブ接続を持つ宛先へ並行にフレームを送る。
// 宛先ごとに独立しており、1人の失敗やパニックが他の宛先へ影響しない。
func (d *Dispatcher) push(notifications []Notification) pushOutcome {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out pushOutcome
	)
	for _, n := range notifications {
		conn, ok := d.conns.Lookup(n.RecipientUserID)
		if !ok {
			out.offline++
			continue
		}
		wg.Go(func() {
			err := d.pushOne(conn, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.errs = append(out.errs, err)
				return
			}
			out.delivered++
		})
	}
	wg.Wait()
	return out
}

// pushOne は1人の宛先へフレームを送る。
// 引いた接続が送信前に新しい接続で置き換えられていた場合は、新しい接続へ1度だけ送り直す。
func (d *Dispatcher) pushOne(conn *realtime.Connection, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ユーザー %s へのプッシュ中にパニック: %v", n.RecipientUserID, r)
		}
		if err != nil {
			d.logger.Warn().Err(err).Str("user", n.RecipientUserID).Str("notification", n.ID).Msg("通知のプッシュに失敗しました")
		}
	}()

	frame := realtime.EventFrame(string(n.Kind), n.ID, n.Title, n.Message, n.Payload)
	err = conn.Send(frame)
	if errors.Is(err, realtime.ErrConnectionClosed) {
		if next, ok := d.conns.Lookup(n.RecipientUserID); ok && next != conn {
			err = next.Send(frame)
		}
	}
	if err != nil {
		return fmt.Errorf("通知のプッシュに失敗: %w", err)
	}
	return nil
}

// uniqueRecipients は空のIDを除き、最初の出現順を保って重複を除く。
func uniqueRecipients(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package notification

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nao1215/societynotify/pkg/migration"
)

// 通知一覧の取得件数。
const (
	// DefaultLimit はlimit未指定時の取得件数。
	DefaultLimit = 50
	// MaxLimit は1回で取得できる最大件数。
	MaxLimit = 200
)

// memoryDSN はインメモリDBを表すパス。
const memoryDSN = ":memory:"

var (
	// ErrStoreUnavailable はストレージに到達できない、またはトランザクションが
	// 完了できなかったことを表す。再試行可能なインフラ障害として扱う。
	ErrStoreUnavailable = errors.New("通知ストアが利用できません")
	// ErrInvalidPayloadKey はペイロード参照のキー名が不正であることを表す。
	ErrInvalidPayloadKey = errors.New("ペイロードのキーが不正です")
)

// payloadKeyPattern はDeleteByPayloadRefに指定できるキー名。
var payloadKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// Store は通知の永続化層。
type Store interface {
	// InsertMany は通知をまとめて保存し、保存できた件数を返す。
	// 一部の行だけが失敗した場合は *PartialInsertError を返し、残りの行は保存する。
	InsertMany(ctx context.Context, notifications []Notification) (int, error)
	// FindByUser はユーザー宛ての通知を新しい順に返す。
	FindByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	// FindUnreadByUser はユーザー宛ての未読通知を新しい順に返す。
	FindUnreadByUser(ctx context.Context, userID string, limit int) ([]Notification, error)
	// CountUnread はユーザー宛ての未読通知の件数を返す。
	CountUnread(ctx context.Context, userID string) (int64, error)
	// MarkRead は自分宛ての未読通知1件を既読にする。状態が変わった場合のみtrue。
	MarkRead(ctx context.Context, notificationID, userID string) (bool, error)
	// MarkAllRead はユーザー宛ての全未読通知を既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	// DeleteByPayloadRef はペイロードのkeyがvalueと一致する通知を削除する。
	DeleteByPayloadRef(ctx context.Context, key, value string) (int64, error)
}

// InsertFailure は保存できなかった1件の通知。
type InsertFailure struct {
	// Index は入力スライス内の位置。
	Index int
	// NotificationID は通知ID。
	NotificationID string
	// RecipientUserID は通知先ユーザーID。
	RecipientUserID string
	// Err は失敗の原因。
	Err error
}

// PartialInsertError はバッチ保存で一部の行が失敗したことを表す。
type PartialInsertError struct {
	Failures []InsertFailure
}

func (e *PartialInsertError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("recipient=%s: %v", f.RecipientUserID, f.Err))
	}
	return fmt.Sprintf("%d件の通知の保存に失敗: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap は各行の失敗原因を返す。
func (e *PartialInsertError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// SQLiteStore はSQLiteによるStoreの実装。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore はマイグレーション済みのDBからStoreを生成する。
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// OpenSQLite はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリDBを1接続で開く。
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, error) {
	dsn := path
	if path != memoryDSN {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == memoryDSN {
		// インメモリDBは接続ごとに別のDBになる
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate は通知テーブルのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return nil
}

// unavailable はインフラ起因のエラーをErrStoreUnavailableとして包む。
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// normalizeLimit は取得件数を1からMaxLimitの範囲に収める。
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

const insertNotificationSQL = `
INSERT INTO notifications (id, recipient_user_id, kind, title, message, payload, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)`

// InsertMany は通知を1トランザクションで保存する。
func (s *SQLiteStore) InsertMany(ctx context.Context, notifications []Notification) (int, error) {
	if len(notifications) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("トランザクション開始に失敗", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertNotificationSQL)
	if err != nil {
		return 0, unavailable("INSERT文の準備に失敗", err)
	}
	defer func() { _ = stmt.Close() }()

	var failures []InsertFailure
	inserted := 0
	for i, n := range notifications {
		fail := func(err error) {
			failures = append(failures, InsertFailure{
				Index:           i,
				NotificationID:  n.ID,
				RecipientUserID: n.RecipientUserID,
				Err:             err,
			})
		}

		if err := n.validate(); err != nil {
			fail(err)
			continue
		}
		payload, err := encodePayload(n.Payload)
		if err != nil {
			fail(err)
			continue
		}
		createdAt := n.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}

		if _, err := stmt.ExecContext(ctx,
			n.ID, n.RecipientUserID, string(n.Kind), n.Title, n.Message, payload, createdAt.UTC().UnixNano(),
		); err != nil {
			fail(fmt.Errorf("通知の挿入に失敗: %w", err))
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("コミットに失敗", err)
	}

	if len(failures) > 0 {
		return inserted, &PartialInsertError{Failures: failures}
	}
	return inserted, nil
}

const selectNotificationColumns = `id, recipient_user_id, kind, title, message, payload, is_read, created_at`

// FindByUser はユーザー宛ての通知を新しい順に返す。
func (s *SQLiteStore) FindByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	return s.query(ctx, "通知一覧の取得に失敗", `
		SELECT `+selectNotificationColumns+` FROM notifications
		WHERE recipient_user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, normalizeLimit(limit))
}

// FindUnreadByUser はユーザー宛ての未読通知を新しい順に返す。
func (s *SQLiteStore) FindUnreadByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	return s.query(ctx, "未読通知一覧の取得に失敗", `
		SELECT `+selectNotificationColumns+` FROM notifications
		WHERE recipient_user_id = ? AND is_read = 0
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, normalizeLimit(limit))
}

// CountUnread はユーザー宛ての未読通知の件数を返す。
func (s *SQLiteStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_user_id = ? AND is_read = 0`, userID,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("未読件数の取得に失敗", err)
	}
	return n, nil
}

// MarkRead は自分宛ての未読通知1件を既読にする。
// 他人宛て・存在しない・既読済みの通知に対してはfalseを返す。
func (s *SQLiteStore) MarkRead(ctx context.Context, notificationID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_user_id = ? AND is_read = 0`,
		notificationID, userID,
	)
	if err != nil {
		return false, unavailable("通知の既読処理に失敗", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("更新件数の取得に失敗", err)
	}
	return n > 0, nil
}

// MarkAllRead はユーザー宛ての全未読通知を既読にする。
func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_user_id = ? AND is_read = 0`, userID,
	)
	if err != nil {
		return 0, unavailable("全通知の既読処理に失敗", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("更新件数の取得に失敗", err)
	}
	return n, nil
}

// DeleteByPayloadRef はペイロードのkeyがvalueと一致する通知を削除する。
// 協調サービスが参照先エンティティ（サークルなど）を削除したときに使う。
func (s *SQLiteStore) DeleteByPayloadRef(ctx context.Context, key, value string) (int64, error) {
	if !payloadKeyPattern.MatchString(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPayloadKey, key)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE json_extract(payload, ?) = ?`, "$."+key, value,
	)
	if err != nil {
		return 0, unavailable("通知の削除に失敗", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("削除件数の取得に失敗", err)
	}
	return n, nil
}

// query は通知の一覧を取得する共通処理。
func (s *SQLiteStore) query(ctx context.Context, op, query string, args ...any) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return notifications, nil
}

// scanNotification は1行を通知に変換する。
func scanNotification(rows *sql.Rows) (Notification, error) {
	var (
		n         Notification
		kind      string
		payload   string
		isRead    int64
		createdAt int64
	)
	if err := rows.Scan(&n.ID, &n.RecipientUserID, &kind, &n.Title, &n.Message, &payload, &isRead, &createdAt); err != nil {
		return Notification{}, fmt.Errorf("行の読み取りに失敗: %w", err)
	}

	n.Kind = Kind(kind)
	n.Read = isRead != 0
	n.CreatedAt = time.Unix(0, createdAt).UTC()
	n.Payload = Payload{}
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return Notification{}, fmt.Errorf("ペイロードのデシリアライズに失敗: id=%s: %w", n.ID, err)
	}
	return n, nil
}

// encodePayload はペイロードをJSONオブジェクト文字列にする。nilは空オブジェクト。
func encodePayload(p Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

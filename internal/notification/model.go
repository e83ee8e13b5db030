package notification

import (
	"errors"
	"fmt"
	"time"
)

// Kind は通知種別。
type Kind string

const (
	KindLike                 Kind = "like"
	KindComment              Kind = "comment"
	KindJoinRequest          Kind = "join_request"
	KindJoinApproved         Kind = "join_approved"
	KindJoinRejected         Kind = "join_rejected"
	KindNewEvent             Kind = "new_event"
	KindPost                 Kind = "post"
	KindInvitation           Kind = "invitation"
	KindOwnershipTransferred Kind = "ownership_transferred"
)

// Kinds は定義済みの全通知種別。
var Kinds = []Kind{
	KindLike, KindComment, KindJoinRequest, KindJoinApproved, KindJoinRejected,
	KindNewEvent, KindPost, KindInvitation, KindOwnershipTransferred,
}

// Valid は定義済みの種別かを返す。
func (k Kind) Valid() bool {
	switch k {
	case KindLike, KindComment, KindJoinRequest, KindJoinApproved, KindJoinRejected,
		KindNewEvent, KindPost, KindInvitation, KindOwnershipTransferred:
		return true
	}
	return false
}

// Payload は通知に付随する関連エンティティへの参照（postId、societyId など）。
type Payload map[string]any

// Notification は永続化された1ユーザー宛ての通知。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// RecipientUserID は通知先のユーザーID。
	RecipientUserID string `json:"recipientUserId"`
	// Kind は通知種別。
	Kind Kind `json:"kind"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は表示用メッセージ。
	Message string `json:"message"`
	// Payload は関連エンティティへの参照。
	Payload Payload `json:"payload"`
	// Read は既読状態。falseからtrueへのみ遷移する。
	Read bool `json:"read"`
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time `json:"createdAt"`
}

// ErrInvalidMessage は通知メッセージの内容が不正であることを表す。
var ErrInvalidMessage = errors.New("通知メッセージが不正です")

// Message は複数の宛先へ同じ内容で送る通知の内容。
type Message struct {
	Kind    Kind
	Title   string
	Message string
	Payload Payload
	// Time は通知の発生時刻。ゼロ値なら配信時刻を使う。
	Time time.Time
}

// Validate はメッセージの内容を検証する。
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: 未定義の種別 %q", ErrInvalidMessage, m.Kind)
	}
	if m.Title == "" {
		return fmt.Errorf("%w: タイトルが空です", ErrInvalidMessage)
	}
	if m.Message == "" {
		return fmt.Errorf("%w: メッセージが空です", ErrInvalidMessage)
	}
	return nil
}

// validate は挿入前に1件の通知を検証する。
func (n Notification) validate() error {
	if n.ID == "" {
		return errors.New("IDが空です")
	}
	if n.RecipientUserID == "" {
		return errors.New("通知先ユーザーIDが空です")
	}
	return Message{Kind: n.Kind, Title: n.Title, Message: n.Message}.Validate()
}

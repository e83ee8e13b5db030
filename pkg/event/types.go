package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypePost は投稿エンティティを表す。
	AggregateTypePost AggregateType = "Post"
	// AggregateTypeComment はコメントエンティティを表す。
	AggregateTypeComment AggregateType = "Comment"
	// AggregateTypeSociety はサークル（ソサエティ）エンティティを表す。
	AggregateTypeSociety AggregateType = "Society"
	// AggregateTypeEvent はサークルが主催するイベントエンティティを表す。
	AggregateTypeEvent AggregateType = "Event"
)

// Type はソーシャルイベントの種類を表す。
type Type string

const (
	// TypePostLiked は投稿に「いいね」されたことを表す。
	TypePostLiked Type = "PostLiked"
	// TypePostCreated はサークル内に新しい投稿が作成されたことを表す。
	TypePostCreated Type = "PostCreated"
	// TypeCommentCreated は投稿にコメントされたことを表す。
	TypeCommentCreated Type = "CommentCreated"

	// TypeJoinRequested はサークルへの参加申請が行われたことを表す。
	TypeJoinRequested Type = "JoinRequested"
	// TypeJoinApproved は参加申請が承認されたことを表す。
	TypeJoinApproved Type = "JoinApproved"
	// TypeJoinRejected は参加申請が却下されたことを表す。
	TypeJoinRejected Type = "JoinRejected"
	// TypeInvitationSent はサークルへの招待が送られたことを表す。
	TypeInvitationSent Type = "InvitationSent"
	// TypeOwnershipTransferred はサークルのオーナー権限が移譲されたことを表す。
	TypeOwnershipTransferred Type = "OwnershipTransferred"

	// TypeEventCreated はサークルのイベントが作成されたことを表す。
	TypeEventCreated Type = "EventCreated"
)

// Event は業務サービス（投稿・サークル・イベント管理）が発行する
// ソーシャルイベントのエンベロープ。通知の宛先は発行側が決定し、
// Recipientsに格納する。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregateId"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregateType"`
	// EventType はイベントの種類。
	EventType Type `json:"eventType"`
	// ActorID は操作を行ったユーザーのID。
	ActorID string `json:"actorId"`
	// Recipients は通知を受け取るユーザーIDの一覧。
	Recipients []string `json:"recipients"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// PostLikedData はPostLikedイベントのデータ。
type PostLikedData struct {
	// LikeID は作成された「いいね」のID。
	LikeID string `json:"likeId"`
	// PostID は対象投稿のID。
	PostID string `json:"postId"`
	// ActorName は「いいね」したユーザーの表示名。
	ActorName string `json:"actorName,omitempty"`
}

// PostCreatedData はPostCreatedイベントのデータ。
type PostCreatedData struct {
	PostID      string `json:"postId"`
	SocietyID   string `json:"societyId"`
	SocietyName string `json:"societyName,omitempty"`
	ActorName   string `json:"actorName,omitempty"`
}

// CommentCreatedData はCommentCreatedイベントのデータ。
type CommentCreatedData struct {
	// CommentID は作成されたコメントのID。
	CommentID string `json:"commentId"`
	// PostID はコメント先の投稿ID。
	PostID string `json:"postId"`
	// ActorName はコメントしたユーザーの表示名。
	ActorName string `json:"actorName,omitempty"`
}

// JoinRequestedData はJoinRequestedイベントのデータ。
type JoinRequestedData struct {
	RequestID   string `json:"requestId"`
	SocietyID   string `json:"societyId"`
	SocietyName string `json:"societyName,omitempty"`
	ActorName   string `json:"actorName,omitempty"`
}

// JoinDecisionData はJoinApproved/JoinRejectedイベントのデータ。
type JoinDecisionData struct {
	RequestID   string `json:"requestId"`
	SocietyID   string `json:"societyId"`
	SocietyName string `json:"societyName,omitempty"`
}

// InvitationSentData はInvitationSentイベントのデータ。
type InvitationSentData struct {
	// InviteID は招待のID。
	InviteID string `json:"inviteId"`
	// SocietyID は招待先サークルのID。
	SocietyID string `json:"societyId"`
	// SocietyName は招待先サークルの名前。
	SocietyName string `json:"societyName,omitempty"`
}

// EventCreatedData はEventCreatedイベントのデータ。
type EventCreatedData struct {
	EventID     string `json:"eventId"`
	SocietyID   string `json:"societyId"`
	SocietyName string `json:"societyName,omitempty"`
	// Title はイベントのタイトル。
	Title     string `json:"title"`
	ActorName string `json:"actorName,omitempty"`
}

// OwnershipTransferredData はOwnershipTransferredイベントのデータ。
type OwnershipTransferredData struct {
	SocietyID   string `json:"societyId"`
	SocietyName string `json:"societyName,omitempty"`
}

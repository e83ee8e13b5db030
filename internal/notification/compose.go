package notification

import (
	"errors"
	"fmt"

	"github.com/nao1215/societynotify/pkg/event"
)

// 名前が取得できない場合の表示名。
const (
	fallbackActor           = "Someone"
	fallbackSociety         = "your society"
	fallbackSocietyDefinite = "the society"
)

// ErrUnsupportedEvent は通知を生成しないイベント種別であることを表す。
var ErrUnsupportedEvent = errors.New("通知対象外のイベントです")

// Compose はソーシャルイベントから通知メッセージと宛先を組み立てる。
// 操作したユーザー自身は宛先から除く。
func Compose(ev *event.Event) ([]string, Message, error) {
	msg, err := composeMessage(ev)
	if err != nil {
		return nil, Message{}, err
	}
	msg.Time = ev.CreatedAt

	recipients := make([]string, 0, len(ev.Recipients))
	for _, id := range ev.Recipients {
		if id != "" && id != ev.ActorID {
			recipients = append(recipients, id)
		}
	}
	return recipients, msg, nil
}

func composeMessage(ev *event.Event) (Message, error) {
	switch ev.EventType {
	case event.TypePostLiked:
		d, err := event.DecodeData[event.PostLikedData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:    KindLike,
			Title:   "New Like",
			Message: fmt.Sprintf("%s liked your post", or(d.ActorName, fallbackActor)),
			Payload: compact(Payload{"postId": d.PostID, "likeId": d.LikeID}),
		}, nil

	case event.TypeCommentCreated:
		d, err := event.DecodeData[event.CommentCreatedData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:    KindComment,
			Title:   "New Comment",
			Message: fmt.Sprintf("%s commented on your post", or(d.ActorName, fallbackActor)),
			Payload: compact(Payload{"postId": d.PostID, "commentId": d.CommentID}),
		}, nil

	case event.TypeJoinRequested:
		d, err := event.DecodeData[event.JoinRequestedData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:  KindJoinRequest,
			Title: "New Join Request",
			Message: fmt.Sprintf("%s wants to join %s",
				or(d.ActorName, fallbackActor), or(d.SocietyName, fallbackSociety)),
			Payload: compact(Payload{
				"requestId":   d.RequestID,
				"societyId":   d.SocietyID,
				"societyName": d.SocietyName,
				"userId":      ev.ActorID,
			}),
		}, nil

	case event.TypeJoinApproved, event.TypeJoinRejected:
		d, err := event.DecodeData[event.JoinDecisionData](ev)
		if err != nil {
			return Message{}, err
		}
		society := or(d.SocietyName, fallbackSocietyDefinite)
		msg := Message{
			Kind:    KindJoinApproved,
			Title:   "Join Request Approved",
			Message: fmt.Sprintf("Your request to join %s has been approved!", society),
			Payload: compact(Payload{"requestId": d.RequestID, "societyId": d.SocietyID, "societyName": d.SocietyName}),
		}
		if ev.EventType == event.TypeJoinRejected {
			msg.Kind = KindJoinRejected
			msg.Title = "Join Request Rejected"
			msg.Message = fmt.Sprintf("Your request to join %s has been rejected.", society)
		}
		return msg, nil

	case event.TypeInvitationSent:
		d, err := event.DecodeData[event.InvitationSentData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:    KindInvitation,
			Title:   "Society Invitation",
			Message: fmt.Sprintf("You have been invited to join %s society", or(d.SocietyName, fallbackSocietyDefinite)),
			Payload: compact(Payload{
				"inviteId":    d.InviteID,
				"societyId":   d.SocietyID,
				"societyName": d.SocietyName,
				"inviterId":   ev.ActorID,
			}),
		}, nil

	case event.TypeEventCreated:
		d, err := event.DecodeData[event.EventCreatedData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:  KindNewEvent,
			Title: "New Event Created",
			Message: fmt.Sprintf("%s created a new event: \"%s\" in %s",
				or(d.ActorName, fallbackActor), d.Title, or(d.SocietyName, fallbackSociety)),
			Payload: compact(Payload{"eventId": d.EventID, "societyId": d.SocietyID, "societyName": d.SocietyName}),
		}, nil

	case event.TypePostCreated:
		d, err := event.DecodeData[event.PostCreatedData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:  KindPost,
			Title: "New Post",
			Message: fmt.Sprintf("%s posted in %s",
				or(d.ActorName, fallbackActor), or(d.SocietyName, fallbackSocietyDefinite)),
			Payload: compact(Payload{"postId": d.PostID, "societyId": d.SocietyID, "societyName": d.SocietyName}),
		}, nil

	case event.TypeOwnershipTransferred:
		d, err := event.DecodeData[event.OwnershipTransferredData](ev)
		if err != nil {
			return Message{}, err
		}
		return Message{
			Kind:    KindOwnershipTransferred,
			Title:   "Society Ownership Transferred",
			Message: fmt.Sprintf("You are now the owner of %s", or(d.SocietyName, fallbackSocietyDefinite)),
			Payload: compact(Payload{"societyId": d.SocietyID, "societyName": d.SocietyName}),
		}, nil
	}

	return Message{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.EventType)
}

// or はsが空ならfallbackを返す。
func or(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// compact は値が空文字列の参照を取り除く。
func compact(p Payload) Payload {
	for k, v := range p {
		if s, ok := v.(string); ok && s == "" {
			delete(p, k)
		}
	}
	return p
}

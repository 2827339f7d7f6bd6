// Package events defines the payload shape for every bus topic and the
// relevance predicate a subscriber applies to each payload. Predicates are
// pure functions over (payload, subscriber identity): every payload carries
// the participant or recipient lists its predicate needs, so deciding
// relevance never requires a store round trip.
package events

import "encoding/json"

// Bus topics. One payload type per topic.
const (
	TopicMessageAdded  = "message.added"      // ChatMessage
	TopicInboxMessage  = "inbox.message"      // ChatMessage, inbox copy
	TopicNoticeAdded   = "notice.added"       // Notice
	TopicMessageAction = "message.action"     // MessageAction
	TopicVideoOffer    = "videochat.incoming" // VideoOffer
)

// FindNextRoom is the RoomName sentinel on a VideoOffer telling the
// recipient their partner left and they should request the next match.
const FindNextRoom = "next"

// ChatMessage is a message posted to a chat, delivered both to the open
// chat view (message.added) and to inboxes (inbox.message). Participants
// and Invited together are the full audience.
type ChatMessage struct {
	ChatID       string   `json:"chatId"`
	Type         string   `json:"type"` // "msg", "joinvid", "leavevid"
	Text         string   `json:"text"`
	FromUserID   string   `json:"fromUserId"`
	FromUsername string   `json:"fromUsername"`
	Participants []string `json:"participants"`
	Invited      []string `json:"invited,omitempty"`
	CreatedAt    int64    `json:"createdAt"`
}

// VisibleTo reports whether the viewer is in the message's audience.
func (m ChatMessage) VisibleTo(userID string) bool {
	return contains(m.Participants, userID) || contains(m.Invited, userID)
}

// Notice is a transient notification addressed to an explicit recipient
// list.
type Notice struct {
	NoticeID  string   `json:"noticeId"`
	Text      string   `json:"text"`
	ToUserIDs []string `json:"toUserIds"`
	CreatedAt int64    `json:"createdAt"`
}

func (n Notice) VisibleTo(userID string) bool {
	return contains(n.ToUserIDs, userID)
}

// MessageAction is an ephemeral typing/read indicator inside a chat. It is
// never persisted.
type MessageAction struct {
	ChatID       string   `json:"chatId"`
	UserID       string   `json:"userId"` // the actor
	Action       string   `json:"action"` // "typing", "stopped", "read"
	Participants []string `json:"participants"`
}

// VisibleTo hides the actor's own action from them.
func (a MessageAction) VisibleTo(userID string) bool {
	return contains(a.Participants, userID) && a.UserID != userID
}

// VideoOffer pairs exactly two users into an ad-hoc video session, or tells
// one of them to find the next match when RoomName is FindNextRoom.
type VideoOffer struct {
	UserIDs  []string `json:"userIds"`
	RoomName string   `json:"roomName"`
	Password string   `json:"password,omitempty"`
}

func (o VideoOffer) VisibleTo(userID string) bool {
	return contains(o.UserIDs, userID)
}

// Filter decodes a raw payload and decides relevance for one viewer,
// returning the payload to surface. A malformed payload is rejected; it
// never terminates the subscription.
type Filter func(data []byte, viewerID string) ([]byte, bool)

var filters = map[string]Filter{
	TopicMessageAdded:  filterAs[ChatMessage],
	TopicInboxMessage:  filterAs[ChatMessage],
	TopicNoticeAdded:   filterAs[Notice],
	TopicMessageAction: filterAs[MessageAction],
	TopicVideoOffer:    filterAs[VideoOffer],
}

// FilterFor returns the relevance filter for a topic; ok=false for unknown
// topics.
func FilterFor(topic string) (Filter, bool) {
	f, ok := filters[topic]
	return f, ok
}

type visible interface {
	VisibleTo(userID string) bool
}

func filterAs[T visible](data []byte, viewerID string) ([]byte, bool) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}
	if !payload.VisibleTo(viewerID) {
		return nil, false
	}
	return data, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

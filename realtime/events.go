package realtime

import (
	"encoding/json"
)

// EventType names one kind of server-produced event. The catalog mirrors
// what the platform emits on the websocket stream.
type EventType string

const (
	EventTypePostCreated        EventType = "post_created"
	EventTypePostLiked          EventType = "post_liked"
	EventTypeUserStatsUpdated   EventType = "user_stats_updated"
	EventTypeUserStatusUpdate   EventType = "user_status_update"
	EventTypePrivateMessage     EventType = "private_message"
	EventTypeMessagesRead       EventType = "messages_read"
	EventTypeUserTyping         EventType = "user_typing"
	EventTypeNotificationUpdate EventType = "notification_update"

	EventTypeGroupMessage      EventType = "group_message"
	EventTypeGroupMessagesRead EventType = "group_messages_read"
	EventTypeGroupUserJoined   EventType = "group_user_joined"
	EventTypeGroupUserLeft     EventType = "group_user_left"
)

// reserved control types. These are answered by the connection manager and
// never reach the dispatcher.
const (
	eventTypePing EventType = "ping"
	eventTypePong EventType = "pong"
)

// client-emitted presence signals, debounced by the connection manager
const (
	eventTypeUserAway   EventType = "user_away"
	eventTypeUserActive EventType = "user_active"
)

// Event is one json document on the wire. A single text frame may carry
// multiple newline-separated documents.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PrivateMessagePayload struct {
	MessageId int64 `json:"messageId"`
	// client idempotency key, echoed back when the send originated here
	TempId       string `json:"tempId,omitempty"`
	SenderId     string `json:"senderId"`
	ReceiverId   string `json:"receiverId"`
	Content      string `json:"content"`
	CreatedAt    string `json:"createdAt"`
	IsRead       bool   `json:"isRead"`
	SenderName   string `json:"senderName,omitempty"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

type MessagesReadPayload struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	ReadAt     string `json:"readAt"`
}

type UserTypingPayload struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp,string"`
}

type UserStatusUpdatePayload struct {
	UserId    string `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type UserStatsUpdatedPayload struct {
	UserId    string `json:"userId"`
	StatsType string `json:"statsType"`
	Count     int    `json:"count"`
}

type PostCreatedPayload struct {
	PostId   int64  `json:"postId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type PostLikedPayload struct {
	PostId     int64  `json:"postId"`
	UserId     string `json:"userId"`
	UserName   string `json:"userName"`
	IsLiked    bool   `json:"isLiked"`
	LikesCount int    `json:"likesCount"`
}

type NotificationUpdatePayload struct {
	UnreadCount int `json:"unreadCount"`
}

type GroupMessagePayload struct {
	MessageId  int64  `json:"messageId"`
	TempId     string `json:"tempId,omitempty"`
	GroupId    string `json:"groupId"`
	SenderId   string `json:"senderId"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
	SenderName string `json:"senderName,omitempty"`
}

type GroupMessagesReadPayload struct {
	GroupId string `json:"groupId"`
	UserId  string `json:"userId"`
	ReadAt  string `json:"readAt"`
}

type GroupMemberPayload struct {
	GroupId  string `json:"groupId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

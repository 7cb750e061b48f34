package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types carried in Frame.Type.
const (
	// Connection housekeeping
	TypeWelcome uint8 = 0x01 // server -> client, first frame after the upgrade
	TypePing    uint8 = 0x02 // client -> server keepalive
	TypePong    uint8 = 0x03 // server -> client keepalive reply
	TypeAck     uint8 = 0x04 // server -> client acknowledgement of an emitted event

	// Notifications
	TypeNewNotification         uint8 = 0x10
	TypeNotificationsSeen       uint8 = 0x11
	TypeNotificationCountUpdate uint8 = 0x12

	// Messaging
	TypeReceiveMessage    uint8 = 0x20
	TypeSendMessage       uint8 = 0x21
	TypeMessagesDelivered uint8 = 0x22
	TypeMessagesRead      uint8 = 0x23
)

var eventNames = map[uint8]string{
	TypeWelcome:                 "welcome",
	TypePing:                    "ping",
	TypePong:                    "pong",
	TypeAck:                     "ack",
	TypeNewNotification:         "newNotification",
	TypeNotificationsSeen:       "notificationsSeen",
	TypeNotificationCountUpdate: "notificationCountUpdate",
	TypeReceiveMessage:          "receive_message",
	TypeSendMessage:             "send_message",
	TypeMessagesDelivered:       "messages_delivered",
	TypeMessagesRead:            "messages_read",
}

// EventName returns the channel event name for an event type.
func EventName(eventType uint8) string {
	if name, ok := eventNames[eventType]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", eventType)
}

// Welcome is sent by the server once the channel is established.
type Welcome struct {
	ProtocolVersion uint8  `json:"protocolVersion"`
	UserID          string `json:"userId"`
}

// Notification is the body of a newNotification event.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ActorID   string    `json:"actorId,omitempty"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CountUpdate is the body of notificationsSeen and notificationCountUpdate.
type CountUpdate struct {
	Count int `json:"count"`
}

// Media is an already-uploaded attachment referenced by a message.
type Media struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// MessageStatus is the delivery state of a message. The zero value is unknown.
type MessageStatus int

const (
	StatusSent MessageStatus = iota + 1
	StatusDelivered
	StatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Advance returns the later of s and to. Status never moves backwards.
func (s MessageStatus) Advance(to MessageStatus) (MessageStatus, bool) {
	if to > s && to <= StatusRead {
		return to, true
	}
	return s, false
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case "", "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "read", "seen":
		*s = StatusRead
	default:
		return fmt.Errorf("unknown message status %q", raw)
	}
	return nil
}

// Message is a direct message as carried by receive_message, acks and REST.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId,omitempty"`
	Text           string        `json:"text"`
	Media          []Media       `json:"media"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`
}

// SendMessageRequest is the body of send_message. AckID correlates the
// server's single acknowledgement.
type SendMessageRequest struct {
	AckID          string  `json:"ackId"`
	ReceiverID     string  `json:"receiverId"`
	ConversationID string  `json:"conversationId,omitempty"`
	Text           string  `json:"text"`
	Media          []Media `json:"media"`
}

// SetAckID implements the client's ack correlation hook.
func (r *SendMessageRequest) SetAckID(id string) { r.AckID = id }

// AckResponse answers an event emitted with an ack id.
type AckResponse struct {
	AckID   string   `json:"ackId"`
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Receipt is the body of messages_delivered and messages_read. The delivery
// acknowledgement a receiver emits is an empty object; receipts pushed to the
// sender name the conversation they apply to.
type Receipt struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// Participant is the other side of a conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	IsCompany bool   `json:"isCompany,omitempty"`
}

// Conversation is the wire form of a conversation list entry.
type Conversation struct {
	ID               string      `json:"id"`
	OtherParticipant Participant `json:"otherParticipant"`
	LastMessage      *Message    `json:"lastMessage,omitempty"`
	UnseenCount      int         `json:"unseenCount"`
	MarkedAsUnread   bool        `json:"markedAsUnread"`
}

// Pagination is the metadata returned with every paginated REST list.
type Pagination struct {
	CurrentPage  int `json:"currentPage"`
	TotalPages   int `json:"totalPages"`
	TotalItems   int `json:"totalItems"`
	ItemsPerPage int `json:"itemsPerPage"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Data       []Conversation `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// MessagePage is one page of a conversation's history, newest page first.
type MessagePage struct {
	Data       []Message  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

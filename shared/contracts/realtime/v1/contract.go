// Package v1 defines the Chord realtime protocol v1 contract: STOMP destinations,
// inbound envelope kinds and the JSON bodies exchanged with the broker.
//
// This package is dependency-light and shared by the session, the channel
// controller and the tooling, so the wire format has a single source of truth.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind tags an inbound envelope.
type Kind string

// Kind constants (wire-stable).
const (
	// KindMessage carries a new ChatMessage for a channel.
	KindMessage Kind = "message"
	// KindMessageUpdated carries the full replacement of an edited ChatMessage.
	KindMessageUpdated Kind = "message_updated"
	// KindMessageDeleted carries the id of a removed ChatMessage.
	KindMessageDeleted Kind = "message_deleted"

	// KindUserJoined and KindUserLeft are presence deltas for a channel.
	KindUserJoined Kind = "user_joined"
	KindUserLeft   Kind = "user_left"

	// KindTyping is an ephemeral typing state change.
	KindTyping Kind = "typing"
	// KindOnlineUsers is a full presence roster snapshot for a channel.
	KindOnlineUsers Kind = "online_users"

	// KindFriendRequest is delivered on the user topic.
	KindFriendRequest Kind = "friend_request"
)

// ParseKind normalizes a wire type ("MESSAGE", "user-joined", "userJoined") to a Kind.
func ParseKind(raw string) (Kind, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("missing field: type")
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			// camelCase boundary: userJoined -> user_joined
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}

	k := Kind(b.String())
	switch k {
	case KindMessage,
		KindMessageUpdated,
		KindMessageDeleted,
		KindUserJoined,
		KindUserLeft,
		KindTyping,
		KindOnlineUsers,
		KindFriendRequest:
		return k, nil
	default:
		return "", fmt.Errorf("unknown type: %q", raw)
	}
}

// Envelope is an inbound frame body after parsing. It is immutable once decoded:
// handlers receive it by value and Payload must not be modified.
type Envelope struct {
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses and validates a raw frame body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var wire struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Envelope{}, fmt.Errorf("bad json: %w", err)
	}

	kind, err := ParseKind(wire.Type)
	if err != nil {
		return Envelope{}, err
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return Envelope{}, errors.New("missing field: payload")
	}

	return Envelope{Kind: kind, Payload: wire.Payload}, nil
}

// NewEnvelope builds an envelope from a typed payload. Used by tooling and tests.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: b}, nil
}

// ---- typed payload accessors ----

// Message decodes a KindMessage or KindMessageUpdated payload.
func (e Envelope) Message() (ChatMessage, error) {
	if e.Kind != KindMessage && e.Kind != KindMessageUpdated {
		return ChatMessage{}, fmt.Errorf("envelope kind %q is not a message", e.Kind)
	}
	var m ChatMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("invalid message payload: %w", err)
	}
	if m.ID.IsZero() {
		return ChatMessage{}, errors.New("invalid message payload: missing id")
	}
	return m, nil
}

// MessageDeleted decodes a KindMessageDeleted payload.
func (e Envelope) MessageDeleted() (MessageDeletedPayload, error) {
	var p MessageDeletedPayload
	if err := e.decode(KindMessageDeleted, &p); err != nil {
		return p, err
	}
	if p.ID.IsZero() {
		return p, errors.New("invalid message_deleted payload: missing id")
	}
	return p, nil
}

// Typing decodes a KindTyping payload.
func (e Envelope) Typing() (TypingPayload, error) {
	var p TypingPayload
	err := e.decode(KindTyping, &p)
	return p, err
}

// Presence decodes a KindUserJoined or KindUserLeft payload.
func (e Envelope) Presence() (PresencePayload, error) {
	var p PresencePayload
	if e.Kind != KindUserJoined && e.Kind != KindUserLeft {
		return p, fmt.Errorf("envelope kind %q is not a presence delta", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("invalid %s payload: %w", e.Kind, err)
	}
	return p, nil
}

// OnlineUsers decodes a KindOnlineUsers payload.
func (e Envelope) OnlineUsers() (OnlineUsersPayload, error) {
	var p OnlineUsersPayload
	err := e.decode(KindOnlineUsers, &p)
	return p, err
}

// FriendRequest decodes a KindFriendRequest payload.
func (e Envelope) FriendRequest() (FriendRequestPayload, error) {
	var p FriendRequestPayload
	err := e.decode(KindFriendRequest, &p)
	return p, err
}

func (e Envelope) decode(want Kind, dst any) error {
	if e.Kind != want {
		return fmt.Errorf("envelope kind %q is not %q", e.Kind, want)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", want, err)
	}
	return nil
}

// ---- destinations ----

// Publish destinations (client -> broker).
const (
	DestJoinChannel  = "/join-channel"
	DestLeaveChannel = "/leave-channel"
	DestSendMessage  = "/app/send-message"
	DestTyping       = "/typing"
)

// ChannelTopic is the subscription destination for all envelopes scoped to a channel.
func ChannelTopic(channelID ID) string {
	return "/topic/channel/" + channelID.String()
}

// UserTopic is the subscription destination for user-scoped envelopes.
func UserTopic(userID ID) string {
	return "/topic/user/" + userID.String()
}

package v1

// ---- Inbound payloads ----

// Author is the user attached to a ChatMessage.
type Author struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline,omitempty"`
}

// ChatMessage is a channel message as delivered by the broker or the history API.
// The ID is an opaque comparison key; it is not numeric or sortable.
type ChatMessage struct {
	ID          ID        `json:"id"`
	Content     string    `json:"content"`
	Author      Author    `json:"author"`
	ChannelID   ID        `json:"channelId"`
	Timestamp   Timestamp `json:"timestamp"`
	Edited      bool      `json:"edited,omitempty"`
	ReplyCount  int       `json:"replyCount,omitempty"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
}

// MessageDeletedPayload identifies a removed message.
type MessageDeletedPayload struct {
	ID        ID `json:"id"`
	ChannelID ID `json:"channelId"`
}

// TypingPayload is a typing state change for one user in one channel.
type TypingPayload struct {
	ChannelID ID     `json:"channelId"`
	UserID    ID     `json:"userId"`
	UserName  string `json:"userName"`
	IsTyping  bool   `json:"isTyping"`
}

// Member is one entry of a channel presence roster.
type Member struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline,omitempty"`
}

// PresencePayload is a user_joined / user_left delta.
type PresencePayload struct {
	ChannelID ID     `json:"channelId"`
	UserID    ID     `json:"userId"`
	UserName  string `json:"userName"`
	Avatar    string `json:"avatar,omitempty"`
}

// Member converts the delta to a roster entry.
func (p PresencePayload) Member() Member {
	return Member{ID: p.UserID, Name: p.UserName, Avatar: p.Avatar, IsOnline: true}
}

// OnlineUsersPayload is a full roster snapshot for a channel.
type OnlineUsersPayload struct {
	ChannelID ID       `json:"channelId"`
	Users     []Member `json:"users"`
}

// FriendRequestPayload is delivered on the user topic.
type FriendRequestPayload struct {
	ID        ID        `json:"id"`
	From      Member    `json:"from"`
	Status    string    `json:"status,omitempty"`
	CreatedAt Timestamp `json:"createdAt,omitempty"`
}

// ---- Outbound bodies ----

// UserContext identifies the caller on every outgoing action.
type UserContext struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// MembershipBody is published to DestJoinChannel and DestLeaveChannel.
type MembershipBody struct {
	ChannelID ID     `json:"channelId"`
	UserID    ID     `json:"userId"`
	UserName  string `json:"userName"`
}

// SendMessageBody is published to DestSendMessage.
type SendMessageBody struct {
	ChannelID   ID        `json:"channelId"`
	UserID      ID        `json:"userId"`
	UserName    string    `json:"userName"`
	UserAvatar  string    `json:"userAvatar,omitempty"`
	Content     string    `json:"content"`
	Timestamp   Timestamp `json:"timestamp"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
}

// TypingBody is published to DestTyping.
type TypingBody struct {
	ChannelID ID     `json:"channelId"`
	UserID    ID     `json:"userId"`
	UserName  string `json:"userName"`
	IsTyping  bool   `json:"isTyping"`
}

// ---- History (REST) ----

// HistoryPage is the page wrapper returned by GET /messages/{channelId}.
// Content is ordered newest first.
type HistoryPage struct {
	Content       []ChatMessage `json:"content"`
	Number        int           `json:"number,omitempty"`
	Size          int           `json:"size,omitempty"`
	TotalPages    int           `json:"totalPages,omitempty"`
	TotalElements int64         `json:"totalElements,omitempty"`
	Last          bool          `json:"last,omitempty"`
}

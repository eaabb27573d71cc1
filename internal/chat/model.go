package chat

import "time"

// Chat is a 1:1 or group conversation.
type Chat struct {
	ID        int       `json:"chat_id"`
	IsGroup   bool      `json:"is_group"`
	Name      *string   `json:"chat_name"` // nil for 1:1 chats
	CreatedAt time.Time `json:"created_at"`
	MemberIDs []int     `json:"member_ids"`
}

// CreateChatRequest is what the client sends to POST /api/chats.
// The creator is taken from the token, not the body.
type CreateChatRequest struct {
	ParticipantIDs []int  `json:"participant_ids"`
	IsGroup        bool   `json:"is_group"`
	ChatName       string `json:"chat_name"`
}

package repo

import (
	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/store"
)

// Message is a chat message within a conversation.
type Message struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ContentType    string `json:"content_type"`
	SentAt         int64  `json:"sent_at"`
}

// Conversation is a chat thread.
type Conversation struct {
	Title              string   `json:"title"`
	ParticipantIDs     []string `json:"participant_ids"`
	LastMessageAt      int64    `json:"last_message_at"`
	LastMessagePreview string   `json:"last_message_preview"`
	UnreadCount        int      `json:"unread_count"`
}

// UserProfile is a peer's profile.
type UserProfile struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	About       string `json:"about"`
}

// DerivedItem is AI-produced content (summary, extraction) attached to a
// conversation. The AI feature set only consumes the repository contract;
// its records sync like any other entity.
type DerivedItem struct {
	ConversationID   string   `json:"conversation_id"`
	Kind             string   `json:"kind"`
	Content          string   `json:"content"`
	SourceMessageIDs []string `json:"source_message_ids"`
}

// NewMessages creates the message repository.
func NewMessages(db *store.DB, b *bus.Bus) *Repository[Message] {
	return New[Message](db, b, store.CollectionMessages)
}

// NewConversations creates the conversation repository.
func NewConversations(db *store.DB, b *bus.Bus) *Repository[Conversation] {
	return New[Conversation](db, b, store.CollectionConversations)
}

// NewUsers creates the user-profile repository.
func NewUsers(db *store.DB, b *bus.Bus) *Repository[UserProfile] {
	return New[UserProfile](db, b, store.CollectionUsers)
}

// NewDerivedItems creates the derived-item repository.
func NewDerivedItems(db *store.DB, b *bus.Bus) *Repository[DerivedItem] {
	return New[DerivedItem](db, b, store.CollectionDerivedItems)
}

// ByConversation scopes a message or derived-item query to one
// conversation, oldest first.
func ByConversation(conversationID string) store.Query {
	return store.Query{
		Where:     []store.Cond{{Path: "conversation_id", Value: conversationID}},
		Ascending: true,
	}
}

// RecentFirst orders a listing by last activity, newest first. The usual
// query for the conversation list screen.
func RecentFirst(limit int) store.Query {
	return store.Query{Limit: limit}
}

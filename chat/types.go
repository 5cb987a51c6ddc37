package chat

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
//
// Transitions are one-way: active → ended → archived. There is no way back
// to active; resuming a conversation means starting a new session.
type Status string

const (
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusArchived Status = "archived"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one continuous conversation with a lifecycle state.
//
// Invariants maintained by the engine and the store:
//   - EndedAt is set if and only if Status is ended or archived.
//   - Summary is only ever set after the session has ended.
//   - The first message of every session is a system-role priming message,
//     inserted in the same transaction as the session row.
type Session struct {
	ID        int64
	OwnerID   uuid.UUID
	Title     string
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
	Summary   string
	Messages  []Message
}

// Message is a single entry in a session transcript. Messages are immutable
// once persisted; within a session they are totally ordered by SentAt (with
// ID as the tiebreaker the store applies on reads).
type Message struct {
	ID        int64
	SessionID int64
	Role      Role
	Content   string
	SentAt    time.Time
	Metadata  map[string]string
}

// Turn is the minimal message shape handed to a Completer: the role and
// text of one transcript entry, in order.
type Turn struct {
	Role    Role
	Content string
}

// PrimingPrompt is the system message inserted at session start. It
// configures the assistant's behavior for the rest of the conversation.
const PrimingPrompt = `You are a psychology-focused AI assistant. Your role is to:
1. Provide supportive and empathetic responses
2. Help users explore their thoughts and feelings
3. Suggest healthy coping strategies and self-care practices
4. Encourage professional help when appropriate
5. Maintain clear boundaries about not providing medical advice or therapy

Always be warm, understanding, and non-judgmental. Use a conversational tone while maintaining professionalism.`

// SummaryPrompt is the fixed instruction appended to the transcript when a
// session ends, asking the assistant for a concise recap.
const SummaryPrompt = `Please provide a brief summary of this conversation, focusing on:
1. Main topics discussed
2. Key insights or progress made
3. Any action items or recommendations given
Keep it concise and professional.`

// TitleMaxLength bounds the session title derived from the first user
// message.
const TitleMaxLength = 60

// deriveTitle produces a session title from the first user message: the
// message text truncated on a rune boundary.
func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= TitleMaxLength {
		return text
	}
	return string(runes[:TitleMaxLength-3]) + "..."
}

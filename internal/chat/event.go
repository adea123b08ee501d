package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType tags the variants of Event.
type EventType string

const (
	TypeChat    EventType = "chat"
	TypeSystem  EventType = "system"
	TypeHistory EventType = "history"
)

// TimestampLayout renders event times in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is a chat or system notification as it travels over the bus and out
// to clients. ServerID is stamped once by the publishing process.
type Event struct {
	Type      EventType `json:"type"`
	ID        int64     `json:"id,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	From      string    `json:"from,omitempty"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
	ServerID  string    `json:"serverId,omitempty"`
}

// Record is one persisted chat message as shown in history.
type Record struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	AuthorName string    `json:"authorName"`
}

// MarshalJSON renders createdAt in the same layout as event timestamps.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		CreatedAt string `json:"createdAt"`
	}{plain: plain(r), CreatedAt: FormatTimestamp(r.CreatedAt)})
}

// Stored is what the message store assigns on append.
type Stored struct {
	ID        int64
	CreatedAt time.Time
}

// History is sent once to a newly admitted connection and never published.
type History struct {
	Type     EventType `json:"type"`
	Messages []Record  `json:"messages"`
}

// Request is an inbound client frame.
type Request struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// FormatTimestamp renders t the way every outbound event carries it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewChatEvent builds the event published after a message was stored.
func NewChatEvent(author Identity, text string, stored Stored) Event {
	return Event{
		Type:      TypeChat,
		ID:        stored.ID,
		UserID:    author.UserID,
		From:      author.DisplayName,
		Message:   text,
		Timestamp: FormatTimestamp(stored.CreatedAt),
	}
}

// NewSystemEvent builds a join/leave style notice.
func NewSystemEvent(text string, at time.Time) Event {
	return Event{
		Type:      TypeSystem,
		Message:   text,
		Timestamp: FormatTimestamp(at),
	}
}

// JoinedEvent announces that name entered the conversation.
func JoinedEvent(name string, at time.Time) Event {
	return NewSystemEvent(name+" joined the chat", at)
}

// LeftEvent announces that name left the conversation.
func LeftEvent(name string, at time.Time) Event {
	return NewSystemEvent(name+" left the chat", at)
}

// NewHistory wraps records; the messages array is never null on the wire.
func NewHistory(records []Record) History {
	if records == nil {
		records = []Record{}
	}
	return History{Type: TypeHistory, Messages: records}
}

// ParseRequest decodes an inbound frame and returns the trimmed chat text.
// Anything other than a non-blank chat request is ErrMalformedFrame.
func ParseRequest(data []byte) (string, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if req.Type != TypeChat {
		return "", fmt.Errorf("%w: unsupported type %q", ErrMalformedFrame, req.Type)
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return "", fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	return text, nil
}

// DecodeEvent parses a bus payload. Only chat and system events travel over
// the bus.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	switch evt.Type {
	case TypeChat, TypeSystem:
		return evt, nil
	default:
		return Event{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedEvent, evt.Type)
	}
}

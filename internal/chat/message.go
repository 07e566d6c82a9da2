package chat

import "time"

// Message is one conversation turn as supplied by the membership service.
// AuthorLabel distinguishes human participants from the generated assistant.
type Message struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"thread_id"`
	AuthorLabel      string    `json:"author_label"`
	Content          string    `json:"content"`
	IsGeneratedReply bool      `json:"is_generated_reply"`
	CreatedAt        time.Time `json:"created_at"`
}

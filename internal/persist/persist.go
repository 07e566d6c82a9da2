package persist

import (
	"context"
	"log"
	"time"
)

// Message is the durable record of a finished generation (or a stored user
// turn). Reasoning is kept alongside the content when the model produced it.
type Message struct {
	ID               string
	ThreadID         string
	AuthorLabel      string
	Content          string
	Reasoning        string
	IsGeneratedReply bool
	CreatedAt        time.Time
}

type Store interface {
	InsertMessage(ctx context.Context, msg *Message) error
}

// Sink accepts finished messages without blocking the caller. Failures are
// logged and swallowed: by the time anything is persisted the user already
// has the content through the stream.
type Sink interface {
	Enqueue(msg *Message)
}

// Writer is a single-goroutine asynchronous writer in front of a Store.
// Run Process in its own goroutine; Enqueue never blocks and drops (with a
// log line) when the queue is full.
type Writer struct {
	store Store
	queue chan *Message
}

const defaultQueueDepth = 256

func NewWriter(store Store) *Writer {
	return &Writer{
		store: store,
		queue: make(chan *Message, defaultQueueDepth),
	}
}

func (w *Writer) Enqueue(msg *Message) {
	select {
	case w.queue <- msg:
	default:
		log.Printf("[Persist] queue full, dropping message for thread %s", msg.ThreadID)
	}
}

// Process drains the queue until ctx is cancelled. Each write gets its own
// timeout so one slow insert cannot wedge the loop.
func (w *Writer) Process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.store.InsertMessage(writeCtx, msg); err != nil {
				log.Printf("[Persist] failed to save message for thread %s: %v", msg.ThreadID, err)
			}
			cancel()
		}
	}
}

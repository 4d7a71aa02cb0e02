// Package status carries user-visible messages from the capture path and
// the sync orchestrator to whatever is showing them (the dashboard socket,
// the CLI, a log).
package status

import (
	"log"
	"sync"
	"time"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a user-visible status line.
type Message struct {
	Level     Level       `json:"level"`
	Kind      schema.Kind `json:"kind,omitempty"`
	Text      string      `json:"text"`
	Pending   int         `json:"pending"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier receives status messages. Implementations must not block.
type Notifier interface {
	Notify(msg Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg Message)

// Notify implements Notifier.
func (f NotifierFunc) Notify(msg Message) { f(msg) }

// Discard drops every message.
var Discard Notifier = NotifierFunc(func(Message) {})

// Multi fans a message out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(msg Message) {
	for _, n := range m {
		if n != nil {
			n.Notify(msg)
		}
	}
}

// Logger writes messages to a log.Logger.
type Logger struct {
	L *log.Logger
}

// Notify implements Notifier.
func (l Logger) Notify(msg Message) {
	if msg.Kind != "" {
		l.L.Printf("[%s] %s: %s (pending %d)", msg.Level, msg.Kind, msg.Text, msg.Pending)
		return
	}
	l.L.Printf("[%s] %s", msg.Level, msg.Text)
}

// Recorder keeps every message in memory. Useful in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Last returns the most recent message, if any.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return Message{}, false
	}
	return r.messages[len(r.messages)-1], true
}

// WithLevel returns recorded messages of one level.
func (r *Recorder) WithLevel(level Level) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}

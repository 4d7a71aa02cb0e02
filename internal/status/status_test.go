package status

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

func TestMulti(t *testing.T) {
	var a, b Recorder
	m := Multi{&a, nil, &b}

	m.Notify(Message{Level: LevelWarning, Text: "decrement failed"})

	if len(a.Messages()) != 1 || len(b.Messages()) != 1 {
		t.Errorf("fan-out delivered %d and %d messages", len(a.Messages()), len(b.Messages()))
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: log.New(&buf, "", 0)}

	l.Notify(Message{Level: LevelInfo, Kind: schema.KindSale, Text: "saved locally", Pending: 2})

	if got := buf.String(); !strings.Contains(got, "sale: saved locally (pending 2)") {
		t.Errorf("log output = %q", got)
	}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	if _, ok := r.Last(); ok {
		t.Error("empty recorder should have no last message")
	}

	r.Notify(Message{Level: LevelInfo, Text: "a"})
	r.Notify(Message{Level: LevelError, Text: "b"})

	if last, _ := r.Last(); last.Text != "b" {
		t.Errorf("Last = %q, want b", last.Text)
	}
	if errs := r.WithLevel(LevelError); len(errs) != 1 {
		t.Errorf("WithLevel(error) = %d messages, want 1", len(errs))
	}
}

package ui

import (
	"strings"
	"testing"
)

func TestRenderKeepsText(t *testing.T) {
	for _, fn := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if got := fn("pending: 3"); !strings.Contains(got, "pending: 3") {
			t.Errorf("rendered text lost content: %q", got)
		}
	}
}

func TestRenderLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"critical", RenderFail("x")},
		{"warning", RenderWarn("x")},
		{"safe", RenderPass("x")},
		{"info", "x"},
	}
	for _, tt := range tests {
		if got := RenderLevel(tt.level, "x"); got != tt.want {
			t.Errorf("RenderLevel(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestTable(t *testing.T) {
	out := Table([]string{"KIND", "PENDING"}, [][]string{
		{"attendance", "2"},
		{"sale", "0"},
	})

	for _, want := range []string{"KIND", "PENDING", "attendance", "sale"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

// ABOUTME: Tests for the colorized log handler's attr and group handling.

package main

import (
	"log/slog"
	"testing"
)

func TestColorHandlerGroups(t *testing.T) {
	t.Run("record attr keys carry the group path", func(t *testing.T) {
		h := &colorHandler{level: slog.LevelInfo}
		grouped, ok := h.WithGroup("relay").(*colorHandler)
		if !ok {
			t.Fatal("WithGroup returned a different handler type")
		}
		if got := grouped.qualify("agent_id"); got != "relay.agent_id" {
			t.Errorf("qualify() = %q, want %q", got, "relay.agent_id")
		}

		nested, _ := grouped.WithGroup("conn").(*colorHandler)
		if got := nested.qualify("remote"); got != "relay.conn.remote" {
			t.Errorf("qualify() = %q, want %q", got, "relay.conn.remote")
		}
	})

	t.Run("attrs added after a group are qualified", func(t *testing.T) {
		h := &colorHandler{level: slog.LevelInfo}
		withAttrs, ok := h.WithGroup("relay").WithAttrs([]slog.Attr{
			slog.String("agent_id", "gym-1"),
		}).(*colorHandler)
		if !ok {
			t.Fatal("WithAttrs returned a different handler type")
		}
		if len(withAttrs.attrs) != 1 {
			t.Fatalf("expected 1 attr, got %d", len(withAttrs.attrs))
		}
		if withAttrs.attrs[0].Key != "relay.agent_id" {
			t.Errorf("attr key = %q, want %q", withAttrs.attrs[0].Key, "relay.agent_id")
		}
	})

	t.Run("ungrouped keys pass through unchanged", func(t *testing.T) {
		h := &colorHandler{level: slog.LevelInfo}
		if got := h.qualify("agent_id"); got != "agent_id" {
			t.Errorf("qualify() = %q, want %q", got, "agent_id")
		}
	})
}

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ensembleai/ensemble/internal/rooms"
	"github.com/ensembleai/ensemble/internal/tools"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"agent", "room", "explain", "how", "memory"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"usage", usageErrorf("bad"), 2},
		{"wrapped usage", fmt.Errorf("room create: %w", usageErrorf("bad type")), 2},
		{"permission", tools.ErrPermissionDenied, 3},
		{"precondition", preconditionErrorf("no key"), 4},
		{"missing room", rooms.ErrNotFound, 4},
		{"generic", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Fatalf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseRoomType(t *testing.T) {
	if _, err := parseRoomType("project"); err != nil {
		t.Fatalf("project should parse: %v", err)
	}
	if _, err := parseRoomType("lounge"); err == nil {
		t.Fatal("expected error for unknown room type")
	} else if exitCodeFor(err) != exitUsage {
		t.Fatalf("unknown type should be a usage error, got exit %d", exitCodeFor(err))
	}
}

func TestChannelOfRoom(t *testing.T) {
	if got := channelOfRoom("telegram-12345"); got != "telegram" {
		t.Fatalf("got %q", got)
	}
	if got := channelOfRoom("general"); got != "cli" {
		t.Fatalf("got %q", got)
	}
}

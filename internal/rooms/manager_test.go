package rooms

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	workspace := t.TempDir()
	store, err := eventstore.Open(filepath.Join(workspace, "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	m, err := NewManager(store.DB(), workspace, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, workspace
}

func TestCreateAddsLeader(t *testing.T) {
	m, _ := newTestManager(t)
	room, err := m.Create(context.Background(), models.RoomProject, "user", []string{"researcher"}, models.RoomPolicy{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !room.HasParticipant(models.LeaderName) {
		t.Error("leader missing from participants")
	}
}

func TestDirectRoomRequiresTwoParticipants(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create(context.Background(), models.RoomDirect, "user", []string{"user", "researcher"}, models.RoomPolicy{})
	if err == nil {
		t.Error("direct room with three participants accepted")
	}
	room, err := m.Create(context.Background(), models.RoomDirect, "user", []string{"user"}, models.RoomPolicy{})
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Errorf("participants = %v, want [leader user]", room.Participants)
	}
}

func TestManifestsSurviveRestart(t *testing.T) {
	m, workspace := newTestManager(t)
	ctx := context.Background()
	room, err := m.Create(ctx, models.RoomProject, "user", []string{"writer"}, models.RoomPolicy{CoordinatorMode: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AppendArtifact(ctx, room.ID, models.ArtifactChainEntry{
		Producer: "writer", Task: "draft", Status: "ok",
	}); err != nil {
		t.Fatalf("append artifact: %v", err)
	}

	store, err := eventstore.Open(filepath.Join(workspace, "memory.db"), nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reborn, err := NewManager(store.DB(), workspace, nil)
	if err != nil {
		t.Fatalf("reload manager: %v", err)
	}
	got, err := reborn.Get(room.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if !got.Policy.CoordinatorMode {
		t.Error("policy lost across restart")
	}
	if len(got.Shared.ArtifactChain) != 1 || got.Shared.ArtifactChain[0].Step != 1 {
		t.Errorf("artifact chain lost: %+v", got.Shared.ArtifactChain)
	}
}

func TestMapChannelToRoomAutoCreates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	direct, err := m.MapChannelToRoom(ctx, models.ChannelTelegram, "12345")
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if direct.Type != models.RoomDirect {
		t.Errorf("type = %s, want direct", direct.Type)
	}

	again, err := m.MapChannelToRoom(ctx, models.ChannelTelegram, "12345")
	if err != nil {
		t.Fatalf("map again: %v", err)
	}
	if again.ID != direct.ID {
		t.Error("second mapping created a new room")
	}

	group, err := m.MapChannelToRoom(ctx, models.ChannelTelegram, "group:987")
	if err != nil {
		t.Fatalf("map group: %v", err)
	}
	if group.Type != models.RoomOpen {
		t.Errorf("group type = %s, want open", group.Type)
	}
}

func TestArtifactStepsStrictlyIncrease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	room, _ := m.Create(ctx, models.RoomProject, "user", nil, models.RoomPolicy{})

	first, err := m.AppendArtifact(ctx, room.ID, models.ArtifactChainEntry{Producer: "a", Status: "ok"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Step != 1 {
		t.Errorf("first step = %d, want 1", first.Step)
	}
	if _, err := m.AppendArtifact(ctx, room.ID, models.ArtifactChainEntry{Step: 1, Producer: "b", Status: "ok"}); !errors.Is(err, ErrStaleStep) {
		t.Errorf("repeated step accepted: %v", err)
	}
	second, err := m.AppendArtifact(ctx, room.ID, models.ArtifactChainEntry{Step: 5, Producer: "b", Status: "ok"})
	if err != nil {
		t.Fatalf("append step 5: %v", err)
	}
	if second.Step != 5 {
		t.Errorf("step = %d, want 5", second.Step)
	}
}

func TestArtifactStoreContentAddressing(t *testing.T) {
	workspace := t.TempDir()
	store, err := NewArtifactStore(workspace)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	content := []byte("quarterly revenue analysis")
	desc, err := store.Put(content, "md", "report")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	dup, err := store.Put(content, "md", "report")
	if err != nil {
		t.Fatalf("put dup: %v", err)
	}
	if desc.Path != dup.Path || desc.Hash != dup.Hash {
		t.Error("identical content produced different artifacts")
	}

	got, err := store.Get(desc.Path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("round-trip content mismatch")
	}
	if err := store.Verify(desc.Path); err != nil {
		t.Errorf("verify: %v", err)
	}
}

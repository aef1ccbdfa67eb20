// Package rooms manages typed conversation spaces: participants, shared
// context, artifact chains, and their persistence. Manifests under
// rooms/<id>.json are the restart source of truth; the database mirror
// exists for joins against the event log.
package rooms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

var (
	// ErrNotFound is returned for unknown room ids.
	ErrNotFound = errors.New("rooms: not found")

	// ErrStaleStep is returned when an artifact chain entry does not
	// advance the step counter.
	ErrStaleStep = errors.New("rooms: artifact step must increase")
)

// Manager owns the room set. All mutation goes through it so manifest
// writes and the DB mirror stay consistent.
type Manager struct {
	mu     sync.RWMutex
	db     *sql.DB
	dir    string // <workspace>/rooms
	rooms  map[string]*models.Room
	logger *slog.Logger
}

// NewManager loads all manifests from <workspace>/rooms and mirrors them
// into the database.
func NewManager(db *sql.DB, workspace string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(workspace, "rooms")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rooms dir: %w", err)
	}
	m := &Manager{db: db, dir: dir, rooms: make(map[string]*models.Room), logger: logger}
	if err := m.loadManifests(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadManifests(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read rooms dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("skip unreadable room manifest", "path", path, "error", err)
			continue
		}
		var room models.Room
		if err := json.Unmarshal(data, &room); err != nil {
			m.logger.Warn("skip corrupt room manifest", "path", path, "error", err)
			continue
		}
		m.rooms[room.ID] = &room
		if err := m.mirror(ctx, &room); err != nil {
			m.logger.Warn("room mirror failed", "room", room.ID, "error", err)
		}
	}
	m.logger.Info("rooms loaded", "count", len(m.rooms))
	return nil
}

// Create makes a new room. The leader is always added as a participant;
// direct rooms must end up with exactly two participants.
func (m *Manager) Create(ctx context.Context, roomType models.RoomType, owner string, participants []string, policy models.RoomPolicy) (*models.Room, error) {
	return m.create(ctx, uuid.NewString(), roomType, owner, participants, policy)
}

// CreateWithID makes a room under a caller-chosen id, as the CLI's
// `room create <id>` does. Ids are limited to the manifest-safe charset.
func (m *Manager) CreateWithID(ctx context.Context, id string, roomType models.RoomType, owner string, participants []string, policy models.RoomPolicy) (*models.Room, error) {
	if !roomIDPattern.MatchString(id) {
		return nil, fmt.Errorf("rooms: invalid id %q: letters, digits, - and _ only", id)
	}
	return m.create(ctx, id, roomType, owner, participants, policy)
}

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (m *Manager) create(ctx context.Context, id string, roomType models.RoomType, owner string, participants []string, policy models.RoomPolicy) (*models.Room, error) {
	withLeader := participants
	if !containsString(participants, models.LeaderName) {
		withLeader = append([]string{models.LeaderName}, participants...)
	}
	if roomType == models.RoomDirect && len(withLeader) != 2 {
		return nil, fmt.Errorf("rooms: direct room needs exactly two participants, got %d", len(withLeader))
	}
	if policy.EscalationThreshold == "" {
		policy.EscalationThreshold = models.EscalationMedium
	}

	now := time.Now().UTC()
	room := &models.Room{
		ID:           id,
		Type:         roomType,
		Owner:        owner,
		Participants: withLeader,
		Policy:       policy,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[id]; exists {
		return nil, fmt.Errorf("rooms: id %q already exists", id)
	}
	if err := m.persist(ctx, room); err != nil {
		return nil, err
	}
	m.rooms[id] = room
	m.logger.Info("room created", "room", id, "type", roomType)
	return room, nil
}

// Get returns a room by id.
func (m *Manager) Get(id string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return room, nil
}

// List returns all rooms.
func (m *Manager) List() []*models.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room)
	}
	return out
}

// MapChannelToRoom resolves a connector's native conversation id to a
// room, creating one on first use. Group chats (chat ids with a "group:"
// prefix, as normalized by connectors) become open rooms; everything else
// is a direct conversation with the human.
func (m *Manager) MapChannelToRoom(ctx context.Context, channel models.ChannelType, chatID string) (*models.Room, error) {
	id := channelRoomID(channel, chatID)

	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	roomType := models.RoomDirect
	participants := []string{"user"}
	if strings.HasPrefix(chatID, "group:") {
		roomType = models.RoomOpen
	}
	return m.create(ctx, id, roomType, "user", participants, models.RoomPolicy{})
}

// channelRoomID builds the deterministic id for channel-mapped rooms.
func channelRoomID(channel models.ChannelType, chatID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, chatID)
	return string(channel) + "-" + sanitized
}

// Touch updates the room's activity clock.
func (m *Manager) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	room.LastActivity = time.Now().UTC()
	return m.persist(ctx, room)
}

// AddParticipant adds a bot to the room if absent.
func (m *Manager) AddParticipant(ctx context.Context, id, botName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	if room.HasParticipant(botName) {
		return nil
	}
	room.Participants = append(room.Participants, botName)
	return m.persist(ctx, room)
}

// UpdateShared replaces the room's shared context through a mutator so
// callers never hold a reference across the lock.
func (m *Manager) UpdateShared(ctx context.Context, id string, mutate func(*models.SharedContext)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&room.Shared)
	return m.persist(ctx, room)
}

// AppendArtifact appends a chain entry. The step number must strictly
// increase; a zero step is assigned the next number.
func (m *Manager) AppendArtifact(ctx context.Context, id string, entry models.ArtifactChainEntry) (models.ArtifactChainEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return entry, ErrNotFound
	}

	last := 0
	if n := len(room.Shared.ArtifactChain); n > 0 {
		last = room.Shared.ArtifactChain[n-1].Step
	}
	if entry.Step == 0 {
		entry.Step = last + 1
	} else if entry.Step <= last {
		return entry, fmt.Errorf("%w: step %d after %d", ErrStaleStep, entry.Step, last)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	room.Shared.ArtifactChain = append(room.Shared.ArtifactChain, entry)
	room.LastActivity = time.Now().UTC()
	if err := m.persist(ctx, room); err != nil {
		return entry, err
	}
	return entry, nil
}

// Archive removes a room from the active set but keeps the DB mirror and
// renames the manifest so history survives.
func (m *Manager) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return ErrNotFound
	}
	src := m.manifestPath(room.ID)
	if err := os.Rename(src, src+".archived"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive manifest: %w", err)
	}
	delete(m.rooms, id)
	m.logger.Info("room archived", "room", id)
	return nil
}

// ArchiveIdle archives rooms whose auto_archive policy has expired.
func (m *Manager) ArchiveIdle(ctx context.Context) (int, error) {
	m.mu.RLock()
	var due []string
	now := time.Now().UTC()
	for id, room := range m.rooms {
		if !room.Policy.AutoArchive || room.Policy.ArchiveAfterDays <= 0 {
			continue
		}
		cutoff := room.LastActivity.AddDate(0, 0, room.Policy.ArchiveAfterDays)
		if now.After(cutoff) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	archived := 0
	for _, id := range due {
		if err := m.Archive(ctx, id); err != nil {
			m.logger.Warn("auto-archive failed", "room", id, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

// persist writes the manifest (fsync'd) and refreshes the DB mirror.
// Callers hold m.mu.
func (m *Manager) persist(ctx context.Context, room *models.Room) error {
	data, err := json.MarshalIndent(room, "", "  ")
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	path := m.manifestPath(room.ID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return m.mirror(ctx, room)
}

func (m *Manager) mirror(ctx context.Context, room *models.Room) error {
	if m.db == nil {
		return nil
	}
	manifest, err := json.Marshal(room)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO rooms (id, type, owner, manifest, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			owner = excluded.owner,
			manifest = excluded.manifest,
			last_activity = excluded.last_activity`,
		room.ID, string(room.Type), room.Owner, string(manifest), room.CreatedAt, room.LastActivity)
	return err
}

func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

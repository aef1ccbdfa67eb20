package eventstore

import (
	"database/sql"
	"fmt"
)

// migration is one schema step. Migrations run in order inside a single
// transaction each and are recorded in the migrations table.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core_event_log",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				seq INTEGER NOT NULL,
				session_key TEXT NOT NULL,
				channel TEXT NOT NULL,
				direction TEXT NOT NULL,
				type TEXT NOT NULL,
				content TEXT NOT NULL,
				parent_id TEXT,
				bot_name TEXT,
				bot_role TEXT,
				tool_name TEXT,
				embedding BLOB,
				extraction TEXT NOT NULL DEFAULT 'pending',
				relevance REAL NOT NULL DEFAULT 1.0,
				last_accessed DATETIME,
				reasoning_content TEXT,
				metadata TEXT,
				created_at DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_key, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_events_extraction ON events(extraction) WHERE extraction = 'pending'`,
			`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)`,
		},
	},
	{
		version: 2,
		name:    "knowledge_graph",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS entities (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				aliases TEXT,
				description TEXT,
				name_embedding BLOB,
				source_event_ids TEXT,
				event_count INTEGER NOT NULL DEFAULT 0,
				first_seen DATETIME NOT NULL,
				last_seen DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_name_type ON entities(name, type)`,
			`CREATE TABLE IF NOT EXISTS edges (
				id TEXT PRIMARY KEY,
				source_id TEXT NOT NULL REFERENCES entities(id),
				target_id TEXT NOT NULL REFERENCES entities(id),
				relation TEXT NOT NULL,
				strength REAL NOT NULL,
				source_event_ids TEXT,
				first_seen DATETIME NOT NULL,
				last_seen DATETIME NOT NULL,
				decayed_at DATETIME
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple ON edges(source_id, relation, target_id)`,
			`CREATE TABLE IF NOT EXISTS facts (
				id TEXT PRIMARY KEY,
				subject_id TEXT NOT NULL REFERENCES entities(id),
				predicate TEXT NOT NULL,
				object TEXT NOT NULL,
				object_entity_id TEXT,
				type TEXT NOT NULL,
				confidence REAL NOT NULL,
				strength REAL NOT NULL,
				source_event_ids TEXT,
				valid_from DATETIME,
				valid_to DATETIME,
				superseded_by TEXT,
				decayed_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(subject_id, predicate)`,
			`CREATE TABLE IF NOT EXISTS topics (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS event_topics (
				event_id TEXT NOT NULL REFERENCES events(id),
				topic_id TEXT NOT NULL REFERENCES topics(id),
				PRIMARY KEY (event_id, topic_id)
			)`,
		},
	},
	{
		version: 3,
		name:    "summary_tree",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS summary_nodes (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				key TEXT NOT NULL UNIQUE,
				parent_id TEXT,
				summary TEXT NOT NULL DEFAULT '',
				embedding BLOB,
				events_since_update INTEGER NOT NULL DEFAULT 0,
				last_updated DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_summary_parent ON summary_nodes(parent_id)`,
		},
	},
	{
		version: 4,
		name:    "learnings_and_expertise",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS learnings (
				id TEXT PRIMARY KEY,
				bot_id TEXT NOT NULL,
				content TEXT NOT NULL,
				embedding BLOB,
				source TEXT NOT NULL,
				sentiment TEXT NOT NULL,
				confidence REAL NOT NULL,
				tool_scope TEXT,
				recommendation TEXT,
				superseded_by TEXT,
				is_private INTEGER NOT NULL DEFAULT 1,
				promotion_count INTEGER NOT NULL DEFAULT 0,
				decayed_at DATETIME,
				metadata TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_learnings_bot ON learnings(bot_id, is_private)`,
			`CREATE TABLE IF NOT EXISTS bot_expertise (
				bot_id TEXT NOT NULL,
				domain TEXT NOT NULL,
				interaction_count INTEGER NOT NULL DEFAULT 0,
				success_count INTEGER NOT NULL DEFAULT 0,
				last_success DATETIME,
				PRIMARY KEY (bot_id, domain)
			)`,
			`CREATE TABLE IF NOT EXISTS bot_memory_ledger (
				id TEXT PRIMARY KEY,
				learning_id TEXT NOT NULL UNIQUE,
				bot_id TEXT NOT NULL,
				original_scope TEXT NOT NULL,
				promotion_date DATETIME NOT NULL,
				reason TEXT,
				cross_pollinated_by TEXT,
				exposure_count INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
	{
		version: 5,
		name:    "rooms_and_tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS rooms (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				owner TEXT,
				manifest TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				last_activity DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT,
				domain TEXT,
				priority INTEGER NOT NULL DEFAULT 3,
				assigned_to TEXT,
				status TEXT NOT NULL,
				requirements TEXT,
				constraints TEXT,
				result TEXT,
				confidence REAL,
				parent_task_id TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				started_at DATETIME,
				completed_at DATETIME,
				due_date DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS task_dependencies (
				task_id TEXT NOT NULL REFERENCES tasks(id),
				depends_on TEXT NOT NULL REFERENCES tasks(id),
				PRIMARY KEY (task_id, depends_on)
			)`,
			`CREATE TABLE IF NOT EXISTS bot_messages (
				id TEXT PRIMARY KEY,
				sender TEXT NOT NULL,
				recipient TEXT NOT NULL,
				type TEXT NOT NULL,
				content TEXT NOT NULL,
				context TEXT,
				conversation_id TEXT NOT NULL,
				response_to TEXT,
				created_at DATETIME NOT NULL
			)`,
		},
	},
	{
		version: 6,
		name:    "broker_dispatch_ledger",
		stmts: []string{
			// Pre-existing rows count as handled; only inbound room
			// events written from here on start at 0.
			`ALTER TABLE events ADD COLUMN dispatched INTEGER NOT NULL DEFAULT 1`,
			`CREATE INDEX IF NOT EXISTS idx_events_undispatched ON events(dispatched) WHERE dispatched = 0`,
		},
	},
}

// migrate applies pending migrations in version order.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

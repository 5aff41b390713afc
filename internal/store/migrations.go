package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions and messages",
		SQL: `
			CREATE TABLE sessions (
				id           TEXT PRIMARY KEY,
				conversation TEXT NOT NULL,
				channel_id   TEXT NOT NULL,
				chat_id      TEXT NOT NULL,
				sender_id    TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_sessions_conversation ON sessions (conversation);
			CREATE INDEX idx_sessions_channel ON sessions (channel_id);

			CREATE TABLE messages (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				timestamp   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_messages_session ON messages (session_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create notes with FTS5",
		SQL: `
			CREATE TABLE notes (
				id           TEXT PRIMARY KEY,
				conversation TEXT NOT NULL,
				category     TEXT NOT NULL DEFAULT 'general',
				content      TEXT NOT NULL,
				created_at   TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_notes_conversation ON notes (conversation, category);

			CREATE VIRTUAL TABLE notes_fts USING fts5(
				content,
				category,
				content='notes',
				content_rowid='rowid'
			);

			CREATE TRIGGER notes_ai AFTER INSERT ON notes BEGIN
				INSERT INTO notes_fts(rowid, content, category)
				VALUES (new.rowid, new.content, new.category);
			END;

			CREATE TRIGGER notes_ad AFTER DELETE ON notes BEGIN
				INSERT INTO notes_fts(notes_fts, rowid, content, category)
				VALUES ('delete', old.rowid, old.content, old.category);
			END;

			CREATE TRIGGER notes_au AFTER UPDATE ON notes BEGIN
				INSERT INTO notes_fts(notes_fts, rowid, content, category)
				VALUES ('delete', old.rowid, old.content, old.category);
				INSERT INTO notes_fts(rowid, content, category)
				VALUES (new.rowid, new.content, new.category);
			END;
		`,
	},
	{
		Version: 3,
		Name:    "create turn audit log",
		SQL: `
			CREATE TABLE turns (
				id           TEXT PRIMARY KEY,
				conversation TEXT NOT NULL,
				session_id   TEXT NOT NULL DEFAULT '',
				batch_seq    INTEGER NOT NULL DEFAULT 0,
				events       INTEGER NOT NULL DEFAULT 0,
				depth        INTEGER NOT NULL DEFAULT 0,
				directives   INTEGER NOT NULL DEFAULT 0,
				outcome      TEXT NOT NULL,
				error        TEXT NOT NULL DEFAULT '',
				duration_ms  INTEGER NOT NULL DEFAULT 0,
				created_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_turns_conversation ON turns (conversation, created_at);
		`,
	},
	{
		Version: 4,
		Name:    "create artifact delivery log",
		SQL: `
			CREATE TABLE artifacts (
				id           TEXT PRIMARY KEY,
				conversation TEXT NOT NULL,
				capability   TEXT NOT NULL,
				kind         TEXT NOT NULL,
				name         TEXT NOT NULL DEFAULT '',
				mime_type    TEXT NOT NULL DEFAULT '',
				size         INTEGER NOT NULL DEFAULT 0,
				recipient    TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL,
				error        TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_artifacts_conversation ON artifacts (conversation, created_at);
		`,
	},
}

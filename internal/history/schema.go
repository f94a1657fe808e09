package history

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flow_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL UNIQUE,
	user_label TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flow_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES flow_sessions(id) ON DELETE CASCADE,
	user_prompt TEXT NOT NULL,
	drawio_xml TEXT,
	is_initial INTEGER NOT NULL DEFAULT 0,
	prompt_kind TEXT NOT NULL DEFAULT '',
	total_chunks INTEGER NOT NULL DEFAULT 0,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_removed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_requests_session ON flow_requests(session_id, id);
`

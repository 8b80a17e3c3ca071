package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	analyzer_session_id TEXT NOT NULL DEFAULT '',
	assistant_session_id TEXT NOT NULL UNIQUE,
	project TEXT NOT NULL,
	user_prompt TEXT NOT NULL DEFAULT '',
	last_prompt_number INTEGER NOT NULL DEFAULT 1,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	kind TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	tool_input BLOB,
	tool_response BLOB,
	cwd TEXT NOT NULL DEFAULT '',
	prompt_number INTEGER NOT NULL DEFAULT 0,
	last_user_message TEXT NOT NULL DEFAULT '',
	last_assistant_message TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_session_state
	ON pending_messages(session_id, state, id);
CREATE INDEX IF NOT EXISTS idx_pending_state
	ON pending_messages(state, id);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	assistant_session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	subtitle TEXT NOT NULL DEFAULT '',
	narrative TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	facts TEXT NOT NULL DEFAULT '[]',
	concepts TEXT NOT NULL DEFAULT '[]',
	files_read TEXT NOT NULL DEFAULT '[]',
	files_modified TEXT NOT NULL DEFAULT '[]',
	prompt_number INTEGER NOT NULL DEFAULT 0,
	discovery_tokens INTEGER NOT NULL DEFAULT 0 CHECK (discovery_tokens >= 0),
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_project
	ON observations(project, created_at);
CREATE INDEX IF NOT EXISTS idx_observations_session
	ON observations(assistant_session_id, id);
CREATE INDEX IF NOT EXISTS idx_observations_created
	ON observations(created_at);

CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	assistant_session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	request TEXT NOT NULL DEFAULT '',
	investigated TEXT NOT NULL DEFAULT '',
	learned TEXT NOT NULL DEFAULT '',
	completed TEXT NOT NULL DEFAULT '',
	next_steps TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_project
	ON summaries(project, created_at);

CREATE TABLE IF NOT EXISTS user_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	assistant_session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	prompt_number INTEGER NOT NULL DEFAULT 1,
	prompt_text TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_prompts_project
	ON user_prompts(project, created_at);
`

// initSchema creates all tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

package sqlite

// schema is applied once on Open via "CREATE TABLE IF NOT EXISTS", so
// repeated opens of the same DSN are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS files (
	path     TEXT PRIMARY KEY,
	hash     TEXT NOT NULL,
	size     INTEGER NOT NULL,
	mod_time INTEGER NOT NULL,
	synced   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS peers (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL,
	port       INTEGER NOT NULL,
	status     INTEGER NOT NULL DEFAULT 0,
	last_seen  INTEGER NOT NULL DEFAULT 0,
	last_rtt_ms REAL NOT NULL DEFAULT 0,
	nat_type   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ignore_patterns (
	pattern TEXT PRIMARY KEY
);
`

package repository

// Schemas are intentionally simple: timestamps are stored as RFC3339 text
// and JSON-ish map fields (runtime_args, result) as serialized JSON text.
// This keeps the three dialects structurally identical, which is what lets
// sql_repository.go share one query set across all three backends.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS specs (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, description TEXT,
	command TEXT NOT NULL, callback TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY, spec_name TEXT NOT NULL, status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0, created_by TEXT, queue_name TEXT NOT NULL,
	assigned_worker TEXT, runtime_args TEXT, result TEXT, error_message TEXT, callback TEXT,
	created_at TEXT NOT NULL, started_at TEXT, completed_at TEXT
);
CREATE TABLE IF NOT EXISTS queues (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, description TEXT,
	priority TEXT NOT NULL, strategy TEXT NOT NULL, state TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0, cursor INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, type TEXT NOT NULL,
	hostname TEXT, ip_address TEXT, port INTEGER, ssh_user TEXT, auth_method TEXT,
	ssh_private_key TEXT, password TEXT, provision INTEGER NOT NULL DEFAULT 0,
	max_jobs INTEGER NOT NULL DEFAULT 1, current_jobs INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL, state TEXT NOT NULL, last_seen TEXT, error_message TEXT,
	consecutive_miss INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_worker (
	queue_id TEXT NOT NULL, worker_id TEXT NOT NULL, created_at TEXT NOT NULL,
	PRIMARY KEY (queue_id, worker_id)
);
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY, worker_id TEXT NOT NULL, step_number INTEGER NOT NULL,
	total_steps INTEGER NOT NULL, outcome TEXT NOT NULL, message TEXT,
	started_at TEXT NOT NULL, updated_at TEXT NOT NULL, completed_at TEXT
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY, username TEXT UNIQUE NOT NULL, password_hash TEXT NOT NULL,
	role TEXT NOT NULL, created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY, user_id TEXT NOT NULL, created_at TEXT NOT NULL, expires_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config_entries (
	category TEXT NOT NULL, config_key TEXT NOT NULL, value TEXT NOT NULL,
	PRIMARY KEY (category, config_key)
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS specs (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, description TEXT,
	command TEXT NOT NULL, callback TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY, spec_name TEXT NOT NULL, status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0, created_by TEXT, queue_name TEXT NOT NULL,
	assigned_worker TEXT, runtime_args TEXT, result TEXT, error_message TEXT, callback TEXT,
	created_at TEXT NOT NULL, started_at TEXT, completed_at TEXT
);
CREATE TABLE IF NOT EXISTS queues (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, description TEXT,
	priority TEXT NOT NULL, strategy TEXT NOT NULL, state TEXT NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE, cursor INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, type TEXT NOT NULL,
	hostname TEXT, ip_address TEXT, port INTEGER, ssh_user TEXT, auth_method TEXT,
	ssh_private_key TEXT, password TEXT, provision BOOLEAN NOT NULL DEFAULT FALSE,
	max_jobs INTEGER NOT NULL DEFAULT 1, current_jobs INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL, state TEXT NOT NULL, last_seen TEXT, error_message TEXT,
	consecutive_miss INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_worker (
	queue_id TEXT NOT NULL, worker_id TEXT NOT NULL, created_at TEXT NOT NULL,
	PRIMARY KEY (queue_id, worker_id)
);
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY, worker_id TEXT NOT NULL, step_number INTEGER NOT NULL,
	total_steps INTEGER NOT NULL, outcome TEXT NOT NULL, message TEXT,
	started_at TEXT NOT NULL, updated_at TEXT NOT NULL, completed_at TEXT
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY, username TEXT UNIQUE NOT NULL, password_hash TEXT NOT NULL,
	role TEXT NOT NULL, created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY, user_id TEXT NOT NULL, created_at TEXT NOT NULL, expires_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config_entries (
	category TEXT NOT NULL, config_key TEXT NOT NULL, value TEXT NOT NULL,
	PRIMARY KEY (category, config_key)
);
`

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS specs (
	id VARCHAR(128) PRIMARY KEY, name VARCHAR(255) UNIQUE NOT NULL, description TEXT,
	command TEXT NOT NULL, callback TEXT, created_at VARCHAR(64) NOT NULL, updated_at VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id VARCHAR(128) PRIMARY KEY, spec_name VARCHAR(255) NOT NULL, status VARCHAR(32) NOT NULL,
	progress INT NOT NULL DEFAULT 0, created_by VARCHAR(255), queue_name VARCHAR(255) NOT NULL,
	assigned_worker VARCHAR(128), runtime_args TEXT, result TEXT, error_message TEXT, callback TEXT,
	created_at VARCHAR(64) NOT NULL, started_at VARCHAR(64), completed_at VARCHAR(64)
);
CREATE TABLE IF NOT EXISTS queues (
	id VARCHAR(128) PRIMARY KEY, name VARCHAR(255) UNIQUE NOT NULL, description TEXT,
	priority VARCHAR(32) NOT NULL, strategy VARCHAR(32) NOT NULL, state VARCHAR(32) NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE, cursor INT NOT NULL DEFAULT 0,
	created_at VARCHAR(64) NOT NULL, updated_at VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id VARCHAR(128) PRIMARY KEY, name VARCHAR(255) UNIQUE NOT NULL, type VARCHAR(32) NOT NULL,
	hostname VARCHAR(255), ip_address VARCHAR(64), port INT, ssh_user VARCHAR(255), auth_method VARCHAR(32),
	ssh_private_key TEXT, password VARCHAR(255), provision BOOLEAN NOT NULL DEFAULT FALSE,
	max_jobs INT NOT NULL DEFAULT 1, current_jobs INT NOT NULL DEFAULT 0,
	status VARCHAR(32) NOT NULL, state VARCHAR(32) NOT NULL, last_seen VARCHAR(64), error_message TEXT,
	consecutive_miss INT NOT NULL DEFAULT 0, created_at VARCHAR(64) NOT NULL, updated_at VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_worker (
	queue_id VARCHAR(128) NOT NULL, worker_id VARCHAR(128) NOT NULL, created_at VARCHAR(64) NOT NULL,
	PRIMARY KEY (queue_id, worker_id)
);
CREATE TABLE IF NOT EXISTS deployments (
	id VARCHAR(128) PRIMARY KEY, worker_id VARCHAR(128) NOT NULL, step_number INT NOT NULL,
	total_steps INT NOT NULL, outcome VARCHAR(32) NOT NULL, message TEXT,
	started_at VARCHAR(64) NOT NULL, updated_at VARCHAR(64) NOT NULL, completed_at VARCHAR(64)
);
CREATE TABLE IF NOT EXISTS users (
	id VARCHAR(128) PRIMARY KEY, username VARCHAR(255) UNIQUE NOT NULL, password_hash VARCHAR(255) NOT NULL,
	role VARCHAR(32) NOT NULL, created_at VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	token VARCHAR(255) PRIMARY KEY, user_id VARCHAR(128) NOT NULL, created_at VARCHAR(64) NOT NULL, expires_at VARCHAR(64) NOT NULL
);
CREATE TABLE IF NOT EXISTS config_entries (
	category VARCHAR(64) NOT NULL, config_key VARCHAR(255) NOT NULL, value TEXT NOT NULL,
	PRIMARY KEY (category, config_key)
);
`

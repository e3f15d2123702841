package store

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('student','instructor','admin')),
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	instructor_id INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('practice','assigned')),
	owner_external_id TEXT NOT NULL DEFAULT '',
	time_limit_minutes INTEGER NOT NULL DEFAULT 0,
	due_date DATETIME,
	prevent_tab_switching INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	text TEXT NOT NULL,
	background_info TEXT NOT NULL DEFAULT '',
	domain_info TEXT NOT NULL DEFAULT '',
	points_possible REAL NOT NULL,
	rubric TEXT NOT NULL DEFAULT '',
	UNIQUE (exam_id, position)
);

CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	student_id INTEGER NOT NULL,
	started_at DATETIME,
	submitted_at DATETIME,
	end_time DATETIME,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_open
	ON attempts(exam_id, student_id) WHERE submitted_at IS NULL;

CREATE TABLE IF NOT EXISTS answers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id INTEGER NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	seconds_spent INTEGER NOT NULL DEFAULT 0,
	oracle_score REAL,
	oracle_feedback TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	rubric_breakdown TEXT NOT NULL DEFAULT '',
	annotations TEXT NOT NULL DEFAULT '',
	override_score REAL,
	override_feedback TEXT NOT NULL DEFAULT '',
	overridden_at DATETIME,
	updated_at DATETIME NOT NULL,
	UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS question_disputes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	answer_id INTEGER NOT NULL UNIQUE REFERENCES answers(id) ON DELETE CASCADE,
	attempt_id INTEGER NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	argument TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('keep','update')),
	old_score REAL NOT NULL,
	new_score REAL NOT NULL,
	new_feedback TEXT NOT NULL DEFAULT '',
	justification TEXT NOT NULL DEFAULT '',
	evidence_quotes TEXT NOT NULL DEFAULT '',
	raw_verdict TEXT NOT NULL DEFAULT '',
	model_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS attempt_disputes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id INTEGER NOT NULL UNIQUE REFERENCES attempts(id) ON DELETE CASCADE,
	argument TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('keep','update')),
	explanation TEXT NOT NULL DEFAULT '',
	old_total REAL NOT NULL,
	new_total REAL NOT NULL,
	old_results TEXT NOT NULL DEFAULT '',
	new_results TEXT NOT NULL DEFAULT '',
	raw_verdict TEXT NOT NULL DEFAULT '',
	model_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assigned_disputes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id INTEGER NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id INTEGER REFERENCES questions(id) ON DELETE SET NULL,
	argument TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','resolved')),
	decision TEXT CHECK (decision IN ('approved','rejected','partially_approved')),
	response TEXT NOT NULL DEFAULT '',
	resolved_by INTEGER,
	resolved_at DATETIME,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assigned_disputes_question
	ON assigned_disputes(attempt_id, question_id) WHERE question_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_assigned_disputes_overall
	ON assigned_disputes(attempt_id) WHERE question_id IS NULL;
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('student','instructor','admin')),
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	instructor_id BIGINT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('practice','assigned')),
	owner_external_id TEXT NOT NULL DEFAULT '',
	time_limit_minutes INTEGER NOT NULL DEFAULT 0,
	due_date TIMESTAMPTZ,
	prevent_tab_switching BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	text TEXT NOT NULL,
	background_info TEXT NOT NULL DEFAULT '',
	domain_info TEXT NOT NULL DEFAULT '',
	points_possible DOUBLE PRECISION NOT NULL,
	rubric TEXT NOT NULL DEFAULT '',
	UNIQUE (exam_id, position)
);

CREATE TABLE IF NOT EXISTS attempts (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	student_id BIGINT NOT NULL,
	started_at TIMESTAMPTZ,
	submitted_at TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_open
	ON attempts(exam_id, student_id) WHERE submitted_at IS NULL;

CREATE TABLE IF NOT EXISTS answers (
	id BIGSERIAL PRIMARY KEY,
	attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	seconds_spent INTEGER NOT NULL DEFAULT 0,
	oracle_score DOUBLE PRECISION,
	oracle_feedback TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	rubric_breakdown TEXT NOT NULL DEFAULT '',
	annotations TEXT NOT NULL DEFAULT '',
	override_score DOUBLE PRECISION,
	override_feedback TEXT NOT NULL DEFAULT '',
	overridden_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS question_disputes (
	id BIGSERIAL PRIMARY KEY,
	answer_id BIGINT NOT NULL UNIQUE REFERENCES answers(id) ON DELETE CASCADE,
	attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	argument TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('keep','update')),
	old_score DOUBLE PRECISION NOT NULL,
	new_score DOUBLE PRECISION NOT NULL,
	new_feedback TEXT NOT NULL DEFAULT '',
	justification TEXT NOT NULL DEFAULT '',
	evidence_quotes TEXT NOT NULL DEFAULT '',
	raw_verdict TEXT NOT NULL DEFAULT '',
	model_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attempt_disputes (
	id BIGSERIAL PRIMARY KEY,
	attempt_id BIGINT NOT NULL UNIQUE REFERENCES attempts(id) ON DELETE CASCADE,
	argument TEXT NOT NULL,
	decision TEXT NOT NULL CHECK (decision IN ('keep','update')),
	explanation TEXT NOT NULL DEFAULT '',
	old_total DOUBLE PRECISION NOT NULL,
	new_total DOUBLE PRECISION NOT NULL,
	old_results TEXT NOT NULL DEFAULT '',
	new_results TEXT NOT NULL DEFAULT '',
	raw_verdict TEXT NOT NULL DEFAULT '',
	model_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assigned_disputes (
	id BIGSERIAL PRIMARY KEY,
	attempt_id BIGINT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	question_id BIGINT REFERENCES questions(id) ON DELETE SET NULL,
	argument TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','resolved')),
	decision TEXT CHECK (decision IN ('approved','rejected','partially_approved')),
	response TEXT NOT NULL DEFAULT '',
	resolved_by BIGINT,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assigned_disputes_question
	ON assigned_disputes(attempt_id, question_id) WHERE question_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_assigned_disputes_overall
	ON assigned_disputes(attempt_id) WHERE question_id IS NULL;
`

package pgstore

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL DEFAULT 'open',
	first_notified       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_at      TIMESTAMPTZ,
	last_message_preview TEXT NOT NULL DEFAULT '',
	unread_for_admin     INTEGER NOT NULL DEFAULT 0 CHECK (unread_for_admin >= 0),
	unread_for_user      INTEGER NOT NULL DEFAULT 0 CHECK (unread_for_user >= 0),
	last_read_at_admin   TIMESTAMPTZ,
	last_read_at_user    TIMESTAMPTZ,
	name                 TEXT,
	email                TEXT,
	phone                TEXT,
	typing_admin         BOOLEAN NOT NULL DEFAULT FALSE,
	typing_admin_at      TIMESTAMPTZ,
	typing_user          BOOLEAN NOT NULL DEFAULT FALSE,
	typing_user_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS chat_sessions_last_message_at_idx
	ON chat_sessions (last_message_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq         BIGSERIAL PRIMARY KEY,
	id          UUID NOT NULL UNIQUE,
	session_id  TEXT NOT NULL REFERENCES chat_sessions (id),
	author_id   TEXT NOT NULL,
	author_role TEXT NOT NULL,
	text        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS chat_messages_session_order_idx
	ON chat_messages (session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS visitor_profiles (
	visitor_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT ''
);
`

const sessionColumns = `id, status, first_notified, created_at, last_message_at,
	last_message_preview, unread_for_admin, unread_for_user,
	last_read_at_admin, last_read_at_user, name, email, phone,
	typing_admin, typing_admin_at, typing_user, typing_user_at`

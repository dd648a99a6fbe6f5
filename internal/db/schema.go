package db

// NotifyChannel is the Postgres LISTEN channel the change triggers publish on.
const NotifyChannel = "zapinbox_changes"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		external_id TEXT NOT NULL,
		name TEXT,
		avatar_url TEXT,
		last_seen_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS contacts_external_key ON contacts (clinic_id, channel, external_id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		channel TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		department_id TEXT,
		assigned_user_id TEXT,
		last_message_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_active ON conversations (contact_id, channel) WHERE status <> 'closed'`,
	`CREATE INDEX IF NOT EXISTS conversations_activity ON conversations (clinic_id, last_message_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		text TEXT,
		caption TEXT,
		media_url TEXT,
		media_mime_type TEXT,
		filename TEXT,
		file_size INTEGER,
		provider_message_id TEXT,
		client_ref TEXT,
		payload TEXT,
		sent_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_provider_id ON messages (provider_message_id)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_sent ON messages (conversation_id, sent_at)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '#0A84FF'
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_tags (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		tag_id TEXT NOT NULL REFERENCES tags(id),
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		user_id TEXT NOT NULL,
		clinic_id TEXT NOT NULL,
		department_id TEXT,
		PRIMARY KEY (user_id, clinic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS department_members (
		department_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (department_id, user_id)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		external_id TEXT NOT NULL,
		name TEXT,
		avatar_url TEXT,
		last_seen_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS contacts_external_key ON contacts (clinic_id, channel, external_id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		channel TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		department_id TEXT,
		assigned_user_id TEXT,
		last_message_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_active ON conversations (contact_id, channel) WHERE status <> 'closed'`,
	`CREATE INDEX IF NOT EXISTS conversations_activity ON conversations (clinic_id, last_message_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		text TEXT,
		caption TEXT,
		media_url TEXT,
		media_mime_type TEXT,
		filename TEXT,
		file_size BIGINT,
		provider_message_id TEXT,
		client_ref TEXT,
		payload JSONB,
		sent_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_provider_id ON messages (provider_message_id)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_sent ON messages (conversation_id, sent_at)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '#0A84FF'
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_tags (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		tag_id TEXT NOT NULL REFERENCES tags(id),
		created_at BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		user_id TEXT NOT NULL,
		clinic_id TEXT NOT NULL,
		department_id TEXT,
		PRIMARY KEY (user_id, clinic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS department_members (
		department_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (department_id, user_id)
	)`,
}

// postgresNotify installs row triggers that NOTIFY on every change.
// messages and conversations carry only their id because NOTIFY payloads are
// capped at 8000 bytes; the listener re-reads the row. Join rows are sent whole.
var postgresNotify = []string{
	`CREATE OR REPLACE FUNCTION zapinbox_notify_change() RETURNS trigger AS $$
	DECLARE
		rec RECORD;
		body JSON;
	BEGIN
		IF TG_OP = 'DELETE' THEN
			rec := OLD;
		ELSE
			rec := NEW;
		END IF;
		IF TG_TABLE_NAME = 'conversation_tags' THEN
			body := json_build_object('table', TG_TABLE_NAME, 'eventType', TG_OP, 'row', row_to_json(rec));
		ELSE
			body := json_build_object('table', TG_TABLE_NAME, 'eventType', TG_OP, 'id', rec.id);
		END IF;
		PERFORM pg_notify('` + NotifyChannel + `', body::text);
		RETURN rec;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE ON messages FOR EACH ROW EXECUTE FUNCTION zapinbox_notify_change()`,
	`DROP TRIGGER IF EXISTS conversations_notify ON conversations`,
	`CREATE TRIGGER conversations_notify AFTER INSERT OR UPDATE ON conversations FOR EACH ROW EXECUTE FUNCTION zapinbox_notify_change()`,
	`DROP TRIGGER IF EXISTS conversation_tags_notify ON conversation_tags`,
	`CREATE TRIGGER conversation_tags_notify AFTER INSERT OR DELETE ON conversation_tags FOR EACH ROW EXECUTE FUNCTION zapinbox_notify_change()`,
}

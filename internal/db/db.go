package db

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ChangesChannel is the LISTEN/NOTIFY channel the triggers publish on.
const ChangesChannel = "messaging_changes"

var requiredTables = []string{"conversations", "messages", "conversation_reads"}

// Connect opens the database connection. It does not touch the schema.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

// VerifySchema fails when a table the messaging core relies on is missing.
// Provisioning happens through Migrate, run as a deployment step.
func VerifySchema(ctx context.Context, db *sqlx.DB) error {
	for _, table := range requiredTables {
		var exists bool
		if err := db.GetContext(ctx, &exists, `SELECT to_regclass($1) IS NOT NULL`, "public."+table); err != nil {
			return fmt.Errorf("verify schema: %w", err)
		}
		if !exists {
			return fmt.Errorf("verify schema: table %s is missing, run the migrate command", table)
		}
	}
	return nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	log.Println("database migrations applied")
	return nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user1_id TEXT NOT NULL,
            user2_id TEXT NOT NULL,
            property_id TEXT,
            subject TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (user1_id < user2_id)
        );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_dedup
            ON conversations (user1_id, user2_id, (COALESCE(property_id, '')));`,
	`CREATE INDEX IF NOT EXISTS conversations_user1 ON conversations (user1_id, last_message_at DESC);`,
	`CREATE INDEX IF NOT EXISTS conversations_user2 ON conversations (user2_id, last_message_at DESC);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachments TEXT[] NOT NULL DEFAULT '{}',
            read_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (content <> '' OR cardinality(attachments) > 0)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_order ON messages (conversation_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS conversation_reads (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            last_read_at TIMESTAMPTZ NOT NULL,
            unread_count INT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
            PRIMARY KEY (conversation_id, user_id)
        );`,
	`CREATE OR REPLACE FUNCTION messaging_notify_change() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
            conv_id UUID;
            members TEXT[];
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;

            IF TG_TABLE_NAME = 'conversations' THEN
                conv_id := rec.id;
                members := ARRAY[rec.user1_id, rec.user2_id];
            ELSE
                conv_id := rec.conversation_id;
                SELECT ARRAY[c.user1_id, c.user2_id] INTO members FROM conversations c WHERE c.id = conv_id;
                -- cascaded from a conversation delete, which notifies on its own
                IF members IS NULL THEN
                    RETURN NULL;
                END IF;
            END IF;

            PERFORM pg_notify('` + ChangesChannel + `', json_build_object(
                'op', TG_OP,
                'table', TG_TABLE_NAME,
                'conversation_id', conv_id,
                'participants', members
            )::text);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS conversations_notify ON conversations;`,
	`CREATE TRIGGER conversations_notify AFTER INSERT OR UPDATE OR DELETE ON conversations
            FOR EACH ROW EXECUTE FUNCTION messaging_notify_change();`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
            FOR EACH ROW EXECUTE FUNCTION messaging_notify_change();`,
	`DROP TRIGGER IF EXISTS conversation_reads_notify ON conversation_reads;`,
	`CREATE TRIGGER conversation_reads_notify AFTER INSERT OR UPDATE OR DELETE ON conversation_reads
            FOR EACH ROW EXECUTE FUNCTION messaging_notify_change();`,
}

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannelPrefix is prepended to the session id to form the per-session
// NOTIFY channel name.
const notifyChannelPrefix = "interpretation_events:"

const ddlInterpretations = `
CREATE TABLE IF NOT EXISTS interpretations (
    id              TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    sequence        BIGINT       NOT NULL,
    target_language TEXT         NOT NULL,
    original_text   TEXT         NOT NULL DEFAULT '',
    translated_text TEXT         NOT NULL DEFAULT '',
    is_final        BOOLEAN      NOT NULL DEFAULT FALSE,
    start_time_ms   BIGINT,
    end_time_ms     BIGINT,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, target_language, sequence)
);

CREATE INDEX IF NOT EXISTS idx_interpretations_session_sequence
    ON interpretations (session_id, sequence);
`

// The trigger fans every row mutation onto a per-session NOTIFY channel as a
// JSON payload carrying the operation and the full row. Rows are short
// utterance texts, comfortably inside the 8 KB NOTIFY payload limit.
const ddlNotifyTrigger = `
CREATE OR REPLACE FUNCTION notify_interpretation_event() RETURNS trigger AS $$
DECLARE
    row_data interpretations;
BEGIN
    IF TG_OP = 'DELETE' THEN
        row_data := OLD;
    ELSE
        row_data := NEW;
    END IF;
    PERFORM pg_notify(
        'interpretation_events:' || row_data.session_id,
        json_build_object(
            'op', lower(TG_OP),
            'session_id', row_data.session_id,
            'row', row_to_json(row_data)
        )::text
    );
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS interpretations_notify ON interpretations;
CREATE TRIGGER interpretations_notify
    AFTER INSERT OR UPDATE OR DELETE ON interpretations
    FOR EACH ROW EXECUTE FUNCTION notify_interpretation_event();
`

// EnsureSchema creates or ensures the interpretation log table and its change
// feed trigger. Idempotent and safe to run on every application start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlInterpretations, ddlNotifyTrigger} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

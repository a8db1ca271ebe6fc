// Package store persists finished calls, their transcripts, and extracted
// leads to PostgreSQL. Persistence is best-effort: callers log and swallow
// failures so a database outage never affects live calls.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/relayfone/voicegate/internal/fsm"
	"github.com/relayfone/voicegate/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// CallRecord is the summary row persisted when a call finalizes.
type CallRecord struct {
	CallID       string
	CallerNumber string
	Language     string
	Direction    string
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    string
	FinalState   string
	Cost         float64
}

// Store persists call outcomes to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database at connStr and applies pending migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCall upserts the call summary row.
func (s *Store) SaveCall(rec CallRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO calls (id, caller_number, language, direction, started_at, ended_at, end_reason, final_state, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			final_state = EXCLUDED.final_state,
			cost = EXCLUDED.cost`,
		rec.CallID, rec.CallerNumber, rec.Language, rec.Direction,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.EndReason, rec.FinalState, rec.Cost,
	)
	return err
}

// SaveTranscript inserts the call's transcript rows in spoken order.
func (s *Store) SaveTranscript(callID string, entries []pipeline.TranscriptEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for seq, entry := range entries {
		_, err = tx.Exec(`
			INSERT INTO transcript_entries (id, call_id, seq, speaker, text, start_ms, end_ms, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.NewString(), callID, seq, entry.Speaker, entry.Text,
			entry.StartMs, entry.EndMs, entry.Confidence,
		)
		if err != nil {
			return fmt.Errorf("transcript row %d: %w", seq, err)
		}
	}
	return tx.Commit()
}

// UpsertLead merges the extracted lead for a call: later non-empty fields win,
// objections accumulate.
func (s *Store) UpsertLead(callID string, lead fsm.LeadData) error {
	if lead.Empty() {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO leads (call_id, name, intent, property_type, budget, location, timeline, site_visit_date, objections, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE leads.name END,
			intent = CASE WHEN EXCLUDED.intent <> '' THEN EXCLUDED.intent ELSE leads.intent END,
			property_type = CASE WHEN EXCLUDED.property_type <> '' THEN EXCLUDED.property_type ELSE leads.property_type END,
			budget = CASE WHEN EXCLUDED.budget <> '' THEN EXCLUDED.budget ELSE leads.budget END,
			location = CASE WHEN EXCLUDED.location <> '' THEN EXCLUDED.location ELSE leads.location END,
			timeline = CASE WHEN EXCLUDED.timeline <> '' THEN EXCLUDED.timeline ELSE leads.timeline END,
			site_visit_date = CASE WHEN EXCLUDED.site_visit_date <> '' THEN EXCLUDED.site_visit_date ELSE leads.site_visit_date END,
			objections = EXCLUDED.objections,
			updated_at = EXCLUDED.updated_at`,
		callID, lead.Name, lead.Intent, lead.PropertyType, lead.Budget,
		lead.Location, lead.Timeline, lead.SiteVisitDate,
		strings.Join(lead.Objections, ","), time.Now().UTC(),
	)
	return err
}

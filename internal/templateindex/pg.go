package templateindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"appforge/internal/types"
)

// NewPostgres creates an index persisted in Postgres. Existing records are
// loaded into memory at startup; queries never touch the database.
func NewPostgres(ctx context.Context, dsn string) (*Index, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &pgStore{db: db}
	if err := st.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	ix := New()
	ix.store = st
	records, err := st.loadAll(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, rec := range records {
		ix.records = append(ix.records, rec)
		ix.byID[rec.ID] = struct{}{}
	}
	return ix, nil
}

type pgStore struct {
	db *sql.DB
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS app_templates (
    template_id TEXT PRIMARY KEY,
    record      JSONB NOT NULL,
    approved_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("templateindex: ensure schema: %w", err)
	}
	return nil
}

func (s *pgStore) insert(ctx context.Context, rec types.TemplateRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_templates (template_id, record, approved_at) VALUES ($1, $2, $3)`,
		rec.ID, blob, rec.ApprovedAt)
	if err != nil {
		return fmt.Errorf("templateindex: insert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *pgStore) loadAll(ctx context.Context) ([]types.TemplateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM app_templates ORDER BY approved_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TemplateRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec types.TemplateRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

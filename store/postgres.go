package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore keeps one row per tracked game in the tracked_games table.
// The schema is created by db.RunMigrations (or db.Migrate).
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore returns a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Load reads every row ordered by game id.
func (s *PostgresStore) Load(ctx context.Context) (Document, error) {
	if s.DB == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT game_id, name, watchers::text, current_data::text, last_check FROM tracked_games ORDER BY game_id`)
	if err != nil {
		return nil, fmt.Errorf("query tracked_games: %w", err)
	}
	defer func() { _ = rows.Close() }()
	doc := Document{}
	for rows.Next() {
		var (
			rec          Record
			watchersJSON string
			currentJSON  string
			lastCheck    sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &watchersJSON, &currentJSON, &lastCheck); err != nil {
			return nil, fmt.Errorf("scan tracked_games: %w", err)
		}
		if err := json.Unmarshal([]byte(watchersJSON), &rec.Watchers); err != nil {
			return nil, fmt.Errorf("decode watchers for %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(currentJSON), &rec.CurrentData); err != nil {
			return nil, fmt.Errorf("decode current_data for %d: %w", rec.ID, err)
		}
		if lastCheck.Valid {
			rec.LastCheck = &Timestamp{Time: lastCheck.Time}
		}
		doc[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked_games: %w", err)
	}
	return doc, nil
}

// Save replaces the table contents with doc in a single transaction.
func (s *PostgresStore) Save(ctx context.Context, doc Document) (err error) {
	if s.DB == nil {
		return ErrNotConfigured
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM tracked_games`); err != nil {
		return fmt.Errorf("clear tracked_games: %w", err)
	}
	for _, id := range doc.IDs() {
		rec := doc[id]
		watchers, mErr := json.Marshal(rec.Watchers)
		if mErr != nil {
			return fmt.Errorf("encode watchers for %d: %w", id, mErr)
		}
		current, mErr := json.Marshal(rec.CurrentData)
		if mErr != nil {
			return fmt.Errorf("encode current_data for %d: %w", id, mErr)
		}
		var lastCheck sql.NullTime
		if rec.LastCheck != nil {
			lastCheck = sql.NullTime{Time: rec.LastCheck.Time, Valid: true}
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO tracked_games (game_id, name, watchers, current_data, last_check, updated_at) VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, NOW())`,
			id, rec.Name, string(watchers), string(current), lastCheck); err != nil {
			return fmt.Errorf("insert game %d: %w", id, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.DB == nil {
		return ErrNotConfigured
	}
	return s.DB.PingContext(ctx)
}

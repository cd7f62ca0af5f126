package collector

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenith-engineer/rolloutd/core/pkg/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists events and included allocations. It serves both as
// the collector event store and as the allocation recorder.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and fails fast when the database is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies the embedded schema. Safe to run repeatedly.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Append(ctx context.Context, events []model.TrackedEvent) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored := 0
	for _, e := range events {
		data := e.EventData
		if data == nil {
			data = map[string]interface{}{}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("event %s: %w", e.EventID, err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO events(event_id, experiment_id, allocation_id, event_type, event_value, event_data, ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.ExperimentID, e.AllocationID, string(e.EventType), e.EventValue, raw, e.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("event %s: %w", e.EventID, err)
		}
		stored += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return stored, nil
}

func (p *PostgresStore) Events(ctx context.Context, experimentID string) ([]model.TrackedEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, experiment_id, allocation_id, event_type, event_value, event_data, ts
		FROM events
		WHERE experiment_id=$1
		ORDER BY ts
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TrackedEvent
	for rows.Next() {
		var (
			e         model.TrackedEvent
			eventType string
			raw       []byte
		)
		if err := rows.Scan(&e.EventID, &e.ExperimentID, &e.AllocationID, &eventType, &e.EventValue, &raw, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventType = model.EventType(eventType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.EventData); err != nil {
				return nil, fmt.Errorf("event %s: %w", e.EventID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordAllocation stores an included allocation. Re-recording the same id
// is a no-op; a replaced allocation keeps its history row so earlier events
// still resolve to the variant they were tracked under.
func (p *PostgresStore) RecordAllocation(ctx context.Context, alloc model.Allocation) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO allocations(allocation_id, subject_key, experiment_id, variant_name, reason, config_version, allocated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (allocation_id) DO NOTHING
	`, alloc.AllocationID, alloc.SubjectKey, alloc.EntityID, alloc.VariantName, alloc.Reason, int64(alloc.ConfigVersion), alloc.AllocatedAt)
	return err
}

func (p *PostgresStore) Allocations(ctx context.Context, experimentID string) ([]model.Allocation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT allocation_id, subject_key, experiment_id, variant_name, reason, config_version, allocated_at
		FROM allocations
		WHERE experiment_id=$1
	`, experimentID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Allocation, error) {
		var (
			a       model.Allocation
			version int64
		)
		err := row.Scan(&a.AllocationID, &a.SubjectKey, &a.EntityID, &a.VariantName, &a.Reason, &version, &a.AllocatedAt)
		a.Included = true
		a.ConfigVersion = uint64(version)
		return a, err
	})
}

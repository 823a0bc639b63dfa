package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jduanen/CritterDetector/internal/model"
)

// EventRepository provides data access for session state events.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts an event and sets its ID.
func (r *EventRepository) Create(ctx context.Context, e *model.StateEvent) error {
	query := `INSERT INTO events (from_state, to_state, occurred_at) VALUES (?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query, e.From, e.To, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	e.ID = id
	return nil
}

// Recent retrieves up to limit events, newest first.
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]*model.StateEvent, error) {
	query := `
		SELECT id, from_state, to_state, occurred_at
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*model.StateEvent{}
	for rows.Next() {
		e := &model.StateEvent{}
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// GetByID retrieves an event by its ID.
func (r *EventRepository) GetByID(ctx context.Context, id int64) (*model.StateEvent, error) {
	query := `SELECT id, from_state, to_state, occurred_at FROM events WHERE id = ?`

	e := &model.StateEvent{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.From, &e.To, &e.OccurredAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

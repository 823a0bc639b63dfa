package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jduanen/CritterDetector/internal/model"
)

// FrameRepository provides data access for frame summaries.
type FrameRepository struct {
	db *sql.DB
}

// NewFrameRepository creates a new FrameRepository.
func NewFrameRepository(db *sql.DB) *FrameRepository {
	return &FrameRepository{db: db}
}

// Create inserts a summary and sets its ID.
func (r *FrameRepository) Create(ctx context.Context, f *model.FrameSummary) error {
	query := `
		INSERT INTO frames (seq, stream_id, points, returns, min_distance, max_distance, mean_distance, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var streamID sql.NullString
	if f.StreamID != "" {
		streamID = sql.NullString{String: f.StreamID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		f.Seq,
		streamID,
		f.Points,
		f.Returns,
		f.MinDistance,
		f.MaxDistance,
		f.MeanDistance,
		f.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create frame: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get frame id: %w", err)
	}
	f.ID = id
	return nil
}

const frameColumns = `id, seq, stream_id, points, returns, min_distance, max_distance, mean_distance, captured_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFrame(row rowScanner) (*model.FrameSummary, error) {
	f := &model.FrameSummary{}
	var streamID sql.NullString
	err := row.Scan(
		&f.ID,
		&f.Seq,
		&streamID,
		&f.Points,
		&f.Returns,
		&f.MinDistance,
		&f.MaxDistance,
		&f.MeanDistance,
		&f.CapturedAt,
	)
	if err != nil {
		return nil, err
	}
	if streamID.Valid {
		f.StreamID = streamID.String
	}
	return f, nil
}

// GetByID retrieves a summary by its ID.
func (r *FrameRepository) GetByID(ctx context.Context, id int64) (*model.FrameSummary, error) {
	query := `SELECT ` + frameColumns + ` FROM frames WHERE id = ?`

	f, err := scanFrame(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get frame: %w", err)
	}
	return f, nil
}

// Recent retrieves up to limit summaries, newest first. A non-empty streamID
// restricts the result to that stream.
func (r *FrameRepository) Recent(ctx context.Context, streamID string, limit int) ([]*model.FrameSummary, error) {
	query := `SELECT ` + frameColumns + ` FROM frames`
	args := []interface{}{}
	if streamID != "" {
		query += ` WHERE stream_id = ?`
		args = append(args, streamID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	frames := []*model.FrameSummary{}
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frames = append(frames, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}

	return frames, nil
}

// Count returns the number of logged frames.
func (r *FrameRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return count, nil
}

// Prune keeps the newest keep summaries and deletes the rest.
func (r *FrameRepository) Prune(ctx context.Context, keep int) (int64, error) {
	query := `DELETE FROM frames WHERE id NOT IN (SELECT id FROM frames ORDER BY id DESC LIMIT ?)`

	result, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune frames: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

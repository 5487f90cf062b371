package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/image-pipeline/internal/domain"
)

const recordColumns = `
	id, job_id, original_name, display_name, mime_type, size_bytes,
	webhook_url, status, asset_url, asset_id, error_message, created_at, updated_at
`

// Storage is the record store. Queries are written with ? placeholders and
// rebound for the connected driver, so the same code serves Postgres and SQLite.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ListFilter selects records for List and Count; empty fields do not filter
type ListFilter struct {
	Status domain.Status
	Tag    string
	Offset int
	Limit  int
}

// Update is a partial update; nil fields are left unchanged
type Update struct {
	DisplayName *string
	Tags        []string
	ReplaceTags bool
}

// CreateIfAbsent inserts rec unless a record with the same job id exists.
// It returns the stored record and whether this call created it.
func (s *Storage) CreateIfAbsent(ctx context.Context, rec *domain.JobRecord) (*domain.JobRecord, bool, error) {
	now := s.now()
	row := *rec
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.DisplayName == "" {
		row.DisplayName = row.OriginalName
	}
	row.Status = domain.StatusPending
	row.CreatedAt = now
	row.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO images (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`)

	result, err := tx.ExecContext(ctx, query,
		row.ID, row.JobID, row.OriginalName, row.DisplayName, row.MimeType, row.SizeBytes,
		row.WebhookURL, row.Status, row.AssetURL, row.AssetID, row.ErrorMessage, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted == 0 {
		tx.Rollback()
		existing, err := s.GetByJobID(ctx, row.JobID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info("Record already exists for job, skipping create",
			slog.String("job_id", row.JobID),
			slog.String("id", existing.ID),
		)
		return existing, false, nil
	}

	if err := insertTags(ctx, tx, row.ID, row.Tags); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit record: %w", err)
	}

	if row.Tags == nil {
		row.Tags = []string{}
	}
	return &row, true, nil
}

func insertTags(ctx context.Context, tx *sqlx.Tx, imageID string, tags []string) error {
	query := tx.Rebind(`INSERT INTO image_tags (image_id, position, tag) VALUES (?, ?, ?)`)
	for i, tag := range tags {
		if _, err := tx.ExecContext(ctx, query, imageID, i, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

// GetByID retrieves a record by its store-assigned id
func (s *Storage) GetByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	return s.getOne(ctx, "id", id)
}

// GetByJobID retrieves a record by its queue task id
func (s *Storage) GetByJobID(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return s.getOne(ctx, "job_id", jobID)
}

func (s *Storage) getOne(ctx context.Context, column, value string) (*domain.JobRecord, error) {
	query := s.db.Rebind(`SELECT ` + recordColumns + ` FROM images WHERE ` + column + ` = ?`)

	var rec domain.JobRecord
	if err := s.db.GetContext(ctx, &rec, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	records := []domain.JobRecord{rec}
	if err := s.attachTags(ctx, records); err != nil {
		return nil, err
	}
	return &records[0], nil
}

func whereClause(filter ListFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Tag != "" {
		where += " AND EXISTS (SELECT 1 FROM image_tags t WHERE t.image_id = images.id AND t.tag = ?)"
		args = append(args, filter.Tag)
	}

	return where, args
}

// List returns one window of records matching filter, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]domain.JobRecord, error) {
	where, args := whereClause(filter)

	query := `SELECT ` + recordColumns + ` FROM images` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	records := []domain.JobRecord{}
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	if err := s.attachTags(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of records matching filter, ignoring the window
func (s *Storage) Count(ctx context.Context, filter ListFilter) (int, error) {
	where, args := whereClause(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM images`+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return total, nil
}

// ListStalePending returns pending records created before cutoff, oldest first
func (s *Storage) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.JobRecord, error) {
	query := s.db.Rebind(`
		SELECT ` + recordColumns + ` FROM images
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`)

	records := []domain.JobRecord{}
	if err := s.db.SelectContext(ctx, &records, query, domain.StatusPending, cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale records: %w", err)
	}
	return records, nil
}

func (s *Storage) attachTags(ctx context.Context, records []domain.JobRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	index := make(map[string]int, len(records))
	for i := range records {
		ids[i] = records[i].ID
		index[records[i].ID] = i
		records[i].Tags = []string{}
	}

	query, args, err := sqlx.In(`SELECT image_id, tag FROM image_tags WHERE image_id IN (?) ORDER BY image_id, position`, ids)
	if err != nil {
		return fmt.Errorf("failed to build tag query: %w", err)
	}

	var rows []struct {
		ImageID string `db:"image_id"`
		Tag     string `db:"tag"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load tags: %w", err)
	}

	for _, row := range rows {
		i := index[row.ImageID]
		records[i].Tags = append(records[i].Tags, row.Tag)
	}
	return nil
}

// UpdateDetails applies a user-driven rename and/or tag replacement
func (s *Storage) UpdateDetails(ctx context.Context, id string, update Update) (*domain.JobRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	set := "updated_at = ?"
	args := []interface{}{s.now()}
	if update.DisplayName != nil {
		set += ", display_name = ?"
		args = append(args, *update.DisplayName)
	}
	args = append(args, id)

	result, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE images SET `+set+` WHERE id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return nil, domain.ErrNotFound
	}

	if update.ReplaceTags {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM image_tags WHERE image_id = ?`), id); err != nil {
			return nil, fmt.Errorf("failed to clear tags: %w", err)
		}
		if err := insertTags(ctx, tx, id, update.Tags); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	return s.GetByID(ctx, id)
}

// Delete removes a record and its tags
func (s *Storage) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM image_tags WHERE image_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete tags: %w", err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM images WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Info("Record deleted", slog.String("id", id))
	return nil
}

// MarkCompleted performs the terminal success write for a job.
// The update only applies while the record is pending.
func (s *Storage) MarkCompleted(ctx context.Context, jobID, assetURL, assetID string) error {
	query := `
		UPDATE images
		SET status = ?, asset_url = ?, asset_id = ?, error_message = '', updated_at = ?
		WHERE job_id = ? AND status = ?
	`
	return s.transition(ctx, jobID, domain.StatusCompleted, query,
		domain.StatusCompleted, assetURL, assetID, s.now(), jobID, domain.StatusPending)
}

// MarkFailed performs the terminal failure write for a job.
// The update only applies while the record is pending.
func (s *Storage) MarkFailed(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE images
		SET status = ?, asset_url = '', asset_id = '', error_message = ?, updated_at = ?
		WHERE job_id = ? AND status = ?
	`
	return s.transition(ctx, jobID, domain.StatusFailed, query,
		domain.StatusFailed, message, s.now(), jobID, domain.StatusPending)
}

func (s *Storage) transition(ctx context.Context, jobID string, to domain.Status, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update record status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 0 {
		if _, err := s.GetByJobID(ctx, jobID); err != nil {
			return err
		}
		s.logger.Warn("Record status update skipped - already terminal",
			slog.String("job_id", jobID),
			slog.String("target_status", string(to)),
		)
		return domain.ErrAlreadyTerminal
	}

	s.logger.Info("Record status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
	)
	return nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `
	id, partnership_id, chat_id, user_id, prompt, edited_prompt,
	scheduled_time, requires_review, status, attempts, last_error,
	sent_at, dispatch_token, created_at, updated_at
`

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.ScheduledMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (
			id, partnership_id, chat_id, user_id, prompt,
			scheduled_time, requires_review, status, attempts,
			dispatch_token, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		m.ID, m.PartnershipID, m.ChatID, m.UserID, m.Prompt,
		m.ScheduledTime.UTC(), m.RequiresReview, string(m.Status), m.Attempts,
		m.DispatchToken, m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	return err
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE id = $1
	`, id)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *PostgresMessageRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE status = 'scheduled' AND scheduled_time <= $1
		ORDER BY scheduled_time ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	claimedAt := time.Now().UTC()
	for i := range msgs {
		next := model.Dispatching
		if msgs[i].RequiresReview {
			next = model.PendingReview
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET status = $2, updated_at = $3
			WHERE id = $1
		`, msgs[i].ID, string(next), claimedAt); err != nil {
			return nil, err
		}
		msgs[i].Status = next
		msgs[i].UpdatedAt = claimedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) ReclaimStalled(ctx context.Context, before time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE status IN ('dispatching', 'approved') AND updated_at <= $1
		ORDER BY updated_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	claimedAt := time.Now().UTC()
	for i := range msgs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET status = 'dispatching', updated_at = $2
			WHERE id = $1
		`, msgs[i].ID, claimedAt); err != nil {
			return nil, err
		}
		msgs[i].Status = model.Dispatching
		msgs[i].UpdatedAt = claimedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepo) Transition(ctx context.Context, id string, from, to model.Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, res, id)
}

func (r *PostgresMessageRepo) Approve(ctx context.Context, id, editedText string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'approved', edited_prompt = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending_review'
	`, id, editedText)
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, res, id)
}

func (r *PostgresMessageRepo) RecordAttempt(ctx context.Context, id string, attempts int, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'dispatching'
	`, id, attempts, reason)
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, res, id)
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id string, attempts int, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'sent', attempts = $2, sent_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'dispatching'
	`, id, attempts, sentAt.UTC())
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, res, id)
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'dispatching'
	`, id, attempts, reason)
	if err != nil {
		return err
	}
	return r.casOutcome(ctx, res, id)
}

func (r *PostgresMessageRepo) ListPendingReview(ctx context.Context, chatID string) ([]model.ScheduledMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE chat_id = $1 AND status = 'pending_review'
		ORDER BY scheduled_time ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (r *PostgresMessageRepo) ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM scheduled_messages
		WHERE status = 'sent'
		ORDER BY sent_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (r *PostgresMessageRepo) Participants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id
		FROM chat_participants
		WHERE chat_id = $1
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// casOutcome distinguishes a lost compare-and-set from an unknown id.
func (r *PostgresMessageRepo) casOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM scheduled_messages WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return model.ErrNotFound
	}
	return model.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.ScheduledMessage, error) {
	var (
		m         model.ScheduledMessage
		status    string
		edited    sql.NullString
		lastErr   sql.NullString
		sentAt    sql.NullTime
		schedTime time.Time
	)

	if err := row.Scan(
		&m.ID,
		&m.PartnershipID,
		&m.ChatID,
		&m.UserID,
		&m.Prompt,
		&edited,
		&schedTime,
		&m.RequiresReview,
		&status,
		&m.Attempts,
		&lastErr,
		&sentAt,
		&m.DispatchToken,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Status = model.Status(status)
	m.ScheduledTime = schedTime

	if edited.Valid {
		s := edited.String
		m.EditedPrompt = &s
	}
	if lastErr.Valid {
		s := lastErr.String
		m.LastError = &s
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]model.ScheduledMessage, error) {
	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

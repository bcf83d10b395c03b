package store

import (
	"context"
	"fmt"

	"github.com/vmmaster/vmmaster/internal/domain"
)

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession(ctx context.Context, rec *domain.SessionRecord) (int64, error) {
	var userID any
	if rec.UserID != 0 {
		userID = rec.UserID
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (user_id, name, dc, take_screenshot, run_script, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created, modified`,
		userID, rec.Name, rec.DC, rec.TakeScreenshot, rec.RunScript, string(rec.Status),
	).Scan(&rec.ID, &rec.Created, &rec.Modified)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return rec.ID, nil
}

// UpdateSession persists the mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, rec *domain.SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			name = $2,
			endpoint_ip = $3,
			endpoint_name = $4,
			selenium_session = $5,
			status = $6,
			reason = $7,
			error = $8,
			timed_out = $9,
			closed = $10,
			modified = NOW()
		WHERE id = $1`,
		rec.ID, rec.Name, rec.EndpointIP, rec.EndpointName, rec.SeleniumSession,
		string(rec.Status), rec.Reason, rec.Error, rec.TimedOut, rec.Closed,
	)
	if err != nil {
		return fmt.Errorf("update session %d: %w", rec.ID, err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id int64) (*domain.SessionRecord, error) {
	rec := &domain.SessionRecord{}
	var userID *int64
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(name, ''), COALESCE(dc, ''),
			COALESCE(endpoint_ip, ''), COALESCE(endpoint_name, ''),
			COALESCE(selenium_session, ''), take_screenshot,
			COALESCE(run_script, ''), status, COALESCE(reason, ''),
			COALESCE(error, ''), timed_out, closed, created, modified, deleted
		FROM sessions WHERE id = $1`, id,
	).Scan(&rec.ID, &userID, &rec.Name, &rec.DC, &rec.EndpointIP,
		&rec.EndpointName, &rec.SeleniumSession, &rec.TakeScreenshot,
		&rec.RunScript, &status, &rec.Reason, &rec.Error, &rec.TimedOut,
		&rec.Closed, &rec.Created, &rec.Modified, &rec.Deleted)
	if err != nil {
		return nil, notFound(err)
	}
	if userID != nil {
		rec.UserID = *userID
	}
	rec.Status = domain.SessionStatus(status)
	return rec, nil
}

// CreateLogStep appends one wire record for a session and returns its id.
func (s *Store) CreateLogStep(ctx context.Context, step *domain.LogStep) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO session_log_steps (session_id, control_line, body)
		VALUES ($1, $2, $3)
		RETURNING id, created`,
		step.SessionID, step.ControlLine, step.Body,
	).Scan(&step.ID, &step.Created)
	if err != nil {
		return 0, fmt.Errorf("create log step: %w", err)
	}
	return step.ID, nil
}

// UpdateLogStepScreenshot attaches a screenshot path to a log step.
func (s *Store) UpdateLogStepScreenshot(ctx context.Context, stepID int64, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE session_log_steps SET screenshot = $2 WHERE id = $1`, stepID, path)
	if err != nil {
		return fmt.Errorf("attach screenshot to step %d: %w", stepID, err)
	}
	return nil
}

// CreateSubStep appends a provider-internal sub-event under a log step.
func (s *Store) CreateSubStep(ctx context.Context, sub *domain.SubStep) (int64, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sub_steps (session_log_step_id, control_line, body)
		VALUES ($1, $2, $3)
		RETURNING id, created`,
		sub.LogStepID, sub.ControlLine, sub.Body,
	).Scan(&sub.ID, &sub.Created)
	if err != nil {
		return 0, fmt.Errorf("create sub step: %w", err)
	}
	return sub.ID, nil
}

// SessionLogSteps returns a session's wire records in creation order.
func (s *Store) SessionLogSteps(ctx context.Context, sessionID int64) ([]domain.LogStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, control_line, COALESCE(body, ''),
			COALESCE(screenshot, ''), created
		FROM session_log_steps
		WHERE session_id = $1
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list log steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.LogStep
	for rows.Next() {
		var step domain.LogStep
		if err := rows.Scan(&step.ID, &step.SessionID, &step.ControlLine,
			&step.Body, &step.Screenshot, &step.Created); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// PurgeStoredSessions deletes a user's oldest closed sessions beyond
// keep, cascading to their log steps and sub steps. Returns the ids of
// the purged sessions so the caller can remove screenshot directories.
func (s *Store) PurgeStoredSessions(ctx context.Context, userID int64, keep int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM sessions
		WHERE id IN (
			SELECT id FROM sessions
			WHERE user_id = $1 AND closed
			ORDER BY created DESC
			OFFSET $2
		)
		RETURNING id`, userID, keep)
	if err != nil {
		return nil, fmt.Errorf("purge sessions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

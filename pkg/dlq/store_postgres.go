package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// PostgresStore implements Store against the orchestrator's schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// taskSnapshot is the JSON shape embedded in TaskSnapshot: the task row, its
// step rows, and its recent transitions, enough for an operator to
// reconstruct why a task landed in the DLQ without re-querying the system.
type taskSnapshot struct {
	Task             json.RawMessage   `json:"task"`
	Steps            []json.RawMessage `json:"steps"`
	RecentTransitions []json.RawMessage `json:"recent_transitions"`
}

func (s *PostgresStore) BuildSnapshot(ctx context.Context, taskUUID uuid.UUID) (string, json.RawMessage, error) {
	var taskRow, state string
	err := s.pool.QueryRow(ctx, `
		SELECT row_to_json(t)::text,
		       (SELECT to_state FROM tasker_task_transitions
		        WHERE task_uuid = $1 ORDER BY created_at DESC LIMIT 1)
		FROM tasker_tasks t WHERE t.task_uuid = $1`, taskUUID).Scan(&taskRow, &state)
	if err == pgx.ErrNoRows {
		return "", nil, fmt.Errorf("task %s not found", taskUUID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("load task row for snapshot: %w", err)
	}

	stepRows, err := s.pool.Query(ctx, `
		SELECT row_to_json(ws)::text FROM tasker_workflow_steps ws WHERE ws.task_uuid = $1`, taskUUID)
	if err != nil {
		return "", nil, fmt.Errorf("load step rows for snapshot: %w", err)
	}
	var steps []json.RawMessage
	for stepRows.Next() {
		var raw string
		if err := stepRows.Scan(&raw); err != nil {
			stepRows.Close()
			return "", nil, fmt.Errorf("scan step row for snapshot: %w", err)
		}
		steps = append(steps, json.RawMessage(raw))
	}
	stepRows.Close()
	if err := stepRows.Err(); err != nil {
		return "", nil, err
	}

	transitionRows, err := s.pool.Query(ctx, `
		SELECT row_to_json(tt)::text FROM tasker_task_transitions tt
		WHERE tt.task_uuid = $1 ORDER BY created_at DESC LIMIT 20`, taskUUID)
	if err != nil {
		return "", nil, fmt.Errorf("load recent transitions for snapshot: %w", err)
	}
	var transitions []json.RawMessage
	for transitionRows.Next() {
		var raw string
		if err := transitionRows.Scan(&raw); err != nil {
			transitionRows.Close()
			return "", nil, fmt.Errorf("scan transition row for snapshot: %w", err)
		}
		transitions = append(transitions, json.RawMessage(raw))
	}
	transitionRows.Close()
	if err := transitionRows.Err(); err != nil {
		return "", nil, err
	}

	snapshot, err := json.Marshal(taskSnapshot{
		Task:              json.RawMessage(taskRow),
		Steps:             steps,
		RecentTransitions: transitions,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal task snapshot: %w", err)
	}
	return state, snapshot, nil
}

func (s *PostgresStore) InsertEntry(ctx context.Context, entry taskmodel.DLQEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasker_dlq_entries
			(dlq_entry_uuid, task_uuid, original_state, dlq_reason, dlq_timestamp,
			 task_snapshot, resolution_status, resolution_notes, resolved_by,
			 resolution_timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.DLQEntryUUID, entry.TaskUUID, entry.OriginalState, entry.DLQReason, entry.DLQTimestamp,
		entry.TaskSnapshot, entry.ResolutionStatus, entry.ResolutionNotes, entry.ResolvedBy,
		entry.ResolutionTimestamp, entry.Metadata)
	if err != nil {
		return fmt.Errorf("insert dlq entry for task %s: %w", entry.TaskUUID, err)
	}
	return nil
}

func scanEntry(row interface {
	Scan(dest ...interface{}) error
}) (taskmodel.DLQEntry, error) {
	var e taskmodel.DLQEntry
	err := row.Scan(&e.DLQEntryUUID, &e.TaskUUID, &e.OriginalState, &e.DLQReason, &e.DLQTimestamp,
		&e.TaskSnapshot, &e.ResolutionStatus, &e.ResolutionNotes, &e.ResolvedBy,
		&e.ResolutionTimestamp, &e.Metadata)
	return e, err
}

const entryColumns = `dlq_entry_uuid, task_uuid, original_state, dlq_reason, dlq_timestamp,
	task_snapshot, resolution_status, resolution_notes, resolved_by,
	resolution_timestamp, metadata`

func (s *PostgresStore) List(ctx context.Context, params ListParams) ([]taskmodel.DLQEntry, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if params.ResolutionStatus != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+entryColumns+` FROM tasker_dlq_entries
			WHERE resolution_status = $1
			ORDER BY dlq_timestamp DESC LIMIT $2 OFFSET $3`,
			*params.ResolutionStatus, limit, params.Offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+entryColumns+` FROM tasker_dlq_entries
			ORDER BY dlq_timestamp DESC LIMIT $1 OFFSET $2`, limit, params.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []taskmodel.DLQEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) FindByTask(ctx context.Context, taskUUID uuid.UUID) (*taskmodel.DLQEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM tasker_dlq_entries
		WHERE task_uuid = $1 ORDER BY dlq_timestamp DESC LIMIT 1`, taskUUID)
	e, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find dlq entry for task %s: %w", taskUUID, err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateInvestigation(ctx context.Context, dlqEntryUUID uuid.UUID, update InvestigationUpdate) (bool, error) {
	status := update.ResolutionStatus
	var resolvedAt *time.Time
	if status != nil && *status != taskmodel.DLQStatusPending {
		now := time.Now()
		resolvedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasker_dlq_entries
		SET resolution_status = COALESCE($2, resolution_status),
		    resolution_notes  = COALESCE(NULLIF($3, ''), resolution_notes),
		    resolved_by       = COALESCE(NULLIF($4, ''), resolved_by),
		    resolution_timestamp = COALESCE($5, resolution_timestamp),
		    metadata          = COALESCE($6, metadata)
		WHERE dlq_entry_uuid = $1`,
		dlqEntryUUID, status, update.ResolutionNotes, update.ResolvedBy, resolvedAt, update.Metadata)
	if err != nil {
		return false, fmt.Errorf("update dlq investigation %s: %w", dlqEntryUUID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dlq_reason,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE resolution_status = $1),
		       COUNT(*) FILTER (WHERE resolution_status = $2),
		       COUNT(*) FILTER (WHERE resolution_status = $3),
		       MIN(dlq_timestamp),
		       MAX(dlq_timestamp)
		FROM tasker_dlq_entries
		GROUP BY dlq_reason`,
		taskmodel.DLQStatusPending, taskmodel.DLQStatusManuallyResolved, taskmodel.DLQStatusPermanentlyFailed)
	if err != nil {
		return nil, fmt.Errorf("query dlq stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Reason, &s.Total, &s.Pending, &s.ManuallyResolved, &s.PermanentFailures,
			&s.Oldest, &s.Newest); err != nil {
			return nil, fmt.Errorf("scan dlq stats row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InvestigationQueue(ctx context.Context, limit int64) ([]taskmodel.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM tasker_dlq_entries
		WHERE resolution_status = $1
		ORDER BY dlq_timestamp ASC LIMIT $2`, taskmodel.DLQStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query investigation queue: %w", err)
	}
	defer rows.Close()

	var entries []taskmodel.DLQEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan investigation queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) StalenessMonitoring(ctx context.Context, staleAfter time.Duration, limit int64) ([]StalenessEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().Add(-staleAfter)

	rows, err := s.pool.Query(ctx, `
		SELECT t.task_uuid,
		       latest.to_state,
		       latest.created_at
		FROM tasker_tasks t
		JOIN LATERAL (
			SELECT to_state, created_at FROM tasker_task_transitions
			WHERE task_uuid = t.task_uuid ORDER BY created_at DESC LIMIT 1
		) latest ON true
		WHERE t.complete = false AND latest.created_at < $1
		ORDER BY latest.created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query staleness monitoring: %w", err)
	}
	defer rows.Close()

	var out []StalenessEntry
	for rows.Next() {
		var e StalenessEntry
		if err := rows.Scan(&e.TaskUUID, &e.CurrentState, &e.LastTransitionAt); err != nil {
			return nil, fmt.Errorf("scan staleness entry: %w", err)
		}
		e.StaleFor = time.Since(e.LastTransitionAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

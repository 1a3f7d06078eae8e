// Package pgqueue implements the Postgres messaging provider: a PGMQ-style
// table-backed queue, one table per queue, claimed with
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent receivers never contend.
package pgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordigilh/kubernaut/pkg/messaging"
)

// Provider implements messaging.Provider against a pool of PGMQ-style
// tables, one per queue, named queue_messages_{queueName}.
type Provider struct {
	pool *pgxpool.Pool
}

// New wraps an open connection pool.
func New(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool}
}

func (p *Provider) Name() string { return "pgqueue" }

var tableSafe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func tableName(queueName string) (string, error) {
	if !tableSafe.MatchString(queueName) {
		return "", fmt.Errorf("pgqueue: unsafe queue name %q", queueName)
	}
	return "queue_messages_" + queueName, nil
}

// EnsureQueue creates queueName's backing table if it does not already
// exist. Table names are derived from a name already validated by
// messaging.ValidateQueueName, so they are safe to interpolate.
func (p *Provider) EnsureQueue(ctx context.Context, queueName string) error {
	table, err := tableName(queueName)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			msg_id     BIGSERIAL PRIMARY KEY,
			vt         TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_ct    INTEGER NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			message    JSONB NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("pgqueue: ensure queue %s: %w", queueName, err)
	}
	return nil
}

// Send inserts body as a new, immediately-visible message.
func (p *Provider) Send(ctx context.Context, queueName string, body json.RawMessage) error {
	table, err := tableName(queueName)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (vt, message) VALUES (now(), $1)`, table), body)
	if err != nil {
		return fmt.Errorf("pgqueue: send to %s: %w", queueName, err)
	}
	return nil
}

// Receive claims up to maxMessages messages whose visibility timeout has
// elapsed, sets their new vt to now()+visibilityTimeout, and returns them
// ordered by msg_id so replay order is deterministic.
func (p *Provider) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]messaging.QueuedMessage, error) {
	table, err := tableName(queueName)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		WITH claimed AS (
			UPDATE %s
			SET vt = now() + make_interval(secs => $1), read_ct = read_ct + 1
			WHERE msg_id IN (
				SELECT msg_id FROM %s
				WHERE vt <= now()
				ORDER BY msg_id
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING msg_id, message, read_ct, enqueued_at
		)
		SELECT msg_id, message, read_ct, enqueued_at FROM claimed ORDER BY msg_id`, table, table),
		visibilityTimeout.Seconds(), maxMessages)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: receive from %s: %w", queueName, err)
	}
	defer rows.Close()

	var result []messaging.QueuedMessage
	for rows.Next() {
		var msgID int64
		var body json.RawMessage
		var readCt int
		var enqueuedAt time.Time
		if err := rows.Scan(&msgID, &body, &readCt, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("pgqueue: scan %s: %w", queueName, err)
		}
		result = append(result, messaging.QueuedMessage{
			ReceiptHandle: messaging.ReceiptHandle(strconv.FormatInt(msgID, 10)),
			Body:          body,
			ReadCount:     readCt,
			EnqueuedAt:    enqueuedAt,
		})
	}
	return result, rows.Err()
}

// Ack deletes a processed message.
func (p *Provider) Ack(ctx context.Context, queueName string, handle messaging.ReceiptHandle) error {
	table, err := tableName(queueName)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return fmt.Errorf("pgqueue: invalid receipt handle %q: %w", handle, err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, table), msgID)
	if err != nil {
		return fmt.Errorf("pgqueue: ack %s: %w", queueName, err)
	}
	return nil
}

// Nack either makes the message immediately visible again (requeue=true) or
// deletes it outright (requeue=false).
func (p *Provider) Nack(ctx context.Context, queueName string, handle messaging.ReceiptHandle, requeue bool) error {
	table, err := tableName(queueName)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return fmt.Errorf("pgqueue: invalid receipt handle %q: %w", handle, err)
	}
	if !requeue {
		_, err = p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, table), msgID)
	} else {
		_, err = p.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET vt = now() WHERE msg_id = $1`, table), msgID)
	}
	if err != nil {
		return fmt.Errorf("pgqueue: nack %s: %w", queueName, err)
	}
	return nil
}

// ExtendVisibility pushes vt further into the future without incrementing
// read_ct, since the message has not been redelivered.
func (p *Provider) ExtendVisibility(ctx context.Context, queueName string, handle messaging.ReceiptHandle, extension time.Duration) error {
	table, err := tableName(queueName)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return fmt.Errorf("pgqueue: invalid receipt handle %q: %w", handle, err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET vt = now() + make_interval(secs => $1) WHERE msg_id = $2`, table),
		extension.Seconds(), msgID)
	if err != nil {
		return fmt.Errorf("pgqueue: extend visibility %s: %w", queueName, err)
	}
	return nil
}

// QueueStats reports backlog size and the oldest pending message's age.
// Never circuit-broken by the caller.
func (p *Provider) QueueStats(ctx context.Context, queueName string) (messaging.QueueStats, error) {
	table, err := tableName(queueName)
	if err != nil {
		return messaging.QueueStats{}, err
	}
	stats := messaging.QueueStats{QueueName: queueName}
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*), min(enqueued_at) FROM %s`, table))
	var oldest *time.Time
	if err := row.Scan(&stats.TotalMessages, &oldest); err != nil {
		return messaging.QueueStats{}, fmt.Errorf("pgqueue: stats %s: %w", queueName, err)
	}
	stats.QueueLength = int(stats.TotalMessages)
	stats.OldestMessageAt = oldest
	return stats, nil
}

// HealthCheck pings the pool. Never circuit-broken.
func (p *Provider) HealthCheck(ctx context.Context) (bool, error) {
	if err := p.pool.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Package redisqueue implements the Redis messaging provider: one stream
// per queue, a single consumer group per queue, visibility timeout modeled
// on the pending-entries-list idle time, nack-with-requeue via XCLAIM.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/kubernaut/pkg/messaging"
)

const consumerGroup = "orchestrator"

// Provider implements messaging.Provider over Redis Streams.
type Provider struct {
	client     *redis.Client
	consumerID string
}

// New wraps an open Redis client. consumerID identifies this process within
// the shared consumer group, e.g. a hostname or pod name.
func New(client *redis.Client, consumerID string) *Provider {
	return &Provider{client: client, consumerID: consumerID}
}

func (p *Provider) Name() string { return "redisqueue" }

func streamKey(queueName string) string { return "stream:" + queueName }

// EnsureQueue creates the stream (XGROUP CREATE with MKSTREAM, so no entry
// is written) and its consumer group if they don't already exist.
func (p *Provider) EnsureQueue(ctx context.Context, queueName string) error {
	key := streamKey(queueName)
	err := p.client.XGroupCreateMkStream(ctx, key, consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("redisqueue: ensure queue %s: %w", queueName, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Send appends body to the stream.
func (p *Provider) Send(ctx context.Context, queueName string, body json.RawMessage) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queueName),
		Values: map[string]interface{}{"body": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisqueue: send to %s: %w", queueName, err)
	}
	return nil
}

// Receive reads up to maxMessages entries. The visibility timeout is
// enforced indirectly: a consumer that never acks leaves its entries in the
// pending-entries-list, and Receive first XCLAIMs any that have been idle
// longer than visibilityTimeout, then fills the rest with new entries via
// XREADGROUP.
func (p *Provider) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]messaging.QueuedMessage, error) {
	key := streamKey(queueName)

	claimed, err := p.reclaimStale(ctx, key, maxMessages, visibilityTimeout)
	if err != nil {
		return nil, err
	}
	if len(claimed) >= maxMessages {
		return claimed[:maxMessages], nil
	}

	streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: p.consumerID,
		Streams:  []string{key, ">"},
		Count:    int64(maxMessages - len(claimed)),
		Block:    0,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisqueue: receive from %s: %w", queueName, err)
	}

	result := claimed
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			result = append(result, toQueuedMessage(msg))
		}
	}
	return result, nil
}

func (p *Provider) reclaimStale(ctx context.Context, key string, maxMessages int, visibilityTimeout time.Duration) ([]messaging.QueuedMessage, error) {
	pending, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(maxMessages),
		Idle:   visibilityTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisqueue: scan pending for %s: %w", key, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.ID)
	}

	claimed, err := p.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    consumerGroup,
		Consumer: p.consumerID,
		MinIdle:  visibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: reclaim stale for %s: %w", key, err)
	}

	result := make([]messaging.QueuedMessage, 0, len(claimed))
	for _, msg := range claimed {
		result = append(result, toQueuedMessage(msg))
	}
	return result, nil
}

func toQueuedMessage(msg redis.XMessage) messaging.QueuedMessage {
	body, _ := msg.Values["body"].(string)
	return messaging.QueuedMessage{
		ReceiptHandle: messaging.ReceiptHandle(msg.ID),
		Body:          json.RawMessage(body),
	}
}

// Ack acknowledges the entry, removing it from the pending-entries-list.
func (p *Provider) Ack(ctx context.Context, queueName string, handle messaging.ReceiptHandle) error {
	err := p.client.XAck(ctx, streamKey(queueName), consumerGroup, string(handle)).Err()
	if err != nil {
		return fmt.Errorf("redisqueue: ack %s: %w", queueName, err)
	}
	return nil
}

// Nack either keeps the entry in the pending list for a later stale
// reclaim (requeue=true) or acknowledges it without processing to drop it
// (requeue=false).
func (p *Provider) Nack(ctx context.Context, queueName string, handle messaging.ReceiptHandle, requeue bool) error {
	if !requeue {
		return p.Ack(ctx, queueName, handle)
	}
	// Claiming the entry with zero min-idle assigns it to this consumer and
	// resets its idle time, so Receive's stale reclaim redelivers it only
	// once it has been idle longer than the visibility timeout again; it is
	// not immediately visible.
	err := p.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey(queueName),
		Group:    consumerGroup,
		Consumer: p.consumerID,
		MinIdle:  0,
		Messages: []string{string(handle)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisqueue: nack-requeue %s: %w", queueName, err)
	}
	return nil
}

// ExtendVisibility re-claims the entry for this consumer, resetting its
// idle time and so its eligibility for XPENDING-based reclaim.
func (p *Provider) ExtendVisibility(ctx context.Context, queueName string, handle messaging.ReceiptHandle, extension time.Duration) error {
	err := p.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey(queueName),
		Group:    consumerGroup,
		Consumer: p.consumerID,
		MinIdle:  0,
		Messages: []string{string(handle)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisqueue: extend visibility %s: %w", queueName, err)
	}
	return nil
}

// QueueStats reports stream length and the oldest pending entry's age.
func (p *Provider) QueueStats(ctx context.Context, queueName string) (messaging.QueueStats, error) {
	key := streamKey(queueName)
	length, err := p.client.XLen(ctx, key).Result()
	if err != nil {
		return messaging.QueueStats{}, fmt.Errorf("redisqueue: stats %s: %w", queueName, err)
	}
	stats := messaging.QueueStats{QueueName: queueName, QueueLength: int(length), TotalMessages: length}

	summary, err := p.client.XPending(ctx, key, consumerGroup).Result()
	if err == nil && summary != nil && summary.Count > 0 {
		if ts, err := parseStreamIDTimestamp(summary.Lower); err == nil {
			stats.OldestMessageAt = &ts
		}
	}
	return stats, nil
}

func parseStreamIDTimestamp(id string) (time.Time, error) {
	for i, r := range id {
		if r == '-' {
			ms, err := strconv.ParseInt(id[:i], 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(ms), nil
		}
	}
	return time.Time{}, fmt.Errorf("redisqueue: malformed stream id %q", id)
}

// HealthCheck pings the Redis connection.
func (p *Provider) HealthCheck(ctx context.Context) (bool, error) {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

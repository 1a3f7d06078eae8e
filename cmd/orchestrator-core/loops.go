package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut/internal/config"
	"github.com/jordigilh/kubernaut/internal/database"
	"github.com/jordigilh/kubernaut/pkg/messaging"
	"github.com/jordigilh/kubernaut/pkg/messaging/notify"
	"github.com/jordigilh/kubernaut/pkg/metrics"
	"github.com/jordigilh/kubernaut/pkg/poller"
	"github.com/jordigilh/kubernaut/pkg/resultprocessor"
)

// runPoller starts the fallback poller's cron schedule and blocks until
// ctx is cancelled, then stops it within timeout.
func runPoller(ctx context.Context, p *poller.Poller, timeout time.Duration) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	p.Stop(stopCtx)
	return nil
}

// runResultConsumer long-polls the orchestration step-results queue and
// feeds each message to processor, acking on success and nacking
// (with requeue) on any error other than a permanently invalid message,
// which is nacked without requeue instead of redelivered forever (spec.md §4.5).
func runResultConsumer(ctx context.Context, client *messaging.Client, processor *resultprocessor.Processor, logger *logrus.Logger, batchSize int, visibilityTimeout time.Duration) error {
	queue := client.Router().ResultQueue()
	if batchSize <= 0 {
		batchSize = 10
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := client.Receive(ctx, queue, batchSize, visibilityTimeout)
		if err != nil {
			logger.WithError(err).Warn("orchestrator-core: result queue receive failed")
			if !sleepOrDone(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			if !sleepOrDone(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			handleResultMessage(ctx, client, processor, logger, queue, msg)
		}
	}
}

func handleResultMessage(ctx context.Context, client *messaging.Client, processor *resultprocessor.Processor, logger *logrus.Logger, queue string, msg messaging.QueuedMessage) {
	var resultMsg resultprocessor.StepResultMessage
	if err := json.Unmarshal(msg.Body, &resultMsg); err != nil {
		logger.WithError(err).Error("orchestrator-core: malformed result message, discarding")
		_ = client.Ack(ctx, queue, msg.ReceiptHandle)
		return
	}

	if msg.ReadCount > 1 {
		metrics.RecordMessagingRedelivery()
	}

	if err := processor.ProcessMessage(ctx, resultMsg); err != nil {
		if errors.Is(err, resultprocessor.ErrInvalidMessage) {
			logger.WithError(err).WithField("step_uuid", resultMsg.StepUUID).Error("orchestrator-core: invalid result message, discarding")
			_ = client.Nack(ctx, queue, msg.ReceiptHandle, false)
			return
		}
		logger.WithError(err).WithField("step_uuid", resultMsg.StepUUID).Warn("orchestrator-core: result processing failed, requeueing")
		_ = client.Nack(ctx, queue, msg.ReceiptHandle, true)
		return
	}
	_ = client.Ack(ctx, queue, msg.ReceiptHandle)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runNotifyBridge listens for pgmq's message-ready notifications and
// triggers an immediate poller sweep instead of waiting for its next
// scheduled tick, the fast path spec.md §5 describes alongside the
// fallback poller. A missed or dropped notification is never fatal: the
// poller's own schedule still catches it.
func runNotifyBridge(ctx context.Context, cfg *config.Config, namespaces []string, p *poller.Poller, logger *logrus.Logger) error {
	dsn := (&database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
	}).ConnectionString()

	listener := notify.New(dsn, time.Second, time.Minute, logger)
	defer listener.Close()

	if err := listener.ListenNamespaces(namespaces); err != nil {
		logger.WithError(err).Warn("orchestrator-core: notify listener failed to start, relying on fallback poller only")
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-listener.Events():
			if !ok {
				return nil
			}
			p.RunOnce(ctx)
		}
	}
}

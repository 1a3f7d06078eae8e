// Package notify implements the messaging fast path: a LISTEN/NOTIFY
// listener that wakes the orchestrator the instant a message is ready,
// rather than waiting for the fallback poller's next tick.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Event is one parsed notification: which message became ready, on which
// queue, in which namespace.
type Event struct {
	MsgID     int64
	QueueName string
	Namespace string
}

// payload is the wire shape published alongside pgmq_message_ready.{namespace}.
type payload struct {
	MsgID     int64  `json:"msg_id"`
	QueueName string `json:"queue_name"`
}

// Stats are the listener's own health counters, as returned by
// Listener.Stats.
type Stats struct {
	Connected         bool
	ChannelsListening int
	EventsReceived    int64
	ParseErrors       int64
}

// Listener subscribes to pgmq_message_ready.{namespace} and pgmq_queue_created
// for a configured set of namespaces and emits Events on a channel. Malformed
// payloads are counted and discarded; they never stop the listener.
type Listener struct {
	listener *pq.Listener
	events   chan Event
	logger   *logrus.Logger

	connected      atomic.Bool
	eventsReceived atomic.Int64
	parseErrors    atomic.Int64

	mu        sync.Mutex
	channels  []string
	closeOnce sync.Once
}

// New builds a Listener bound to a dsn, without connecting yet. minReconnect
// and maxReconnect bound pq.Listener's own backoff between connection
// attempts.
func New(dsn string, minReconnect, maxReconnect time.Duration, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Listener{events: make(chan Event, 256), logger: logger}
	l.listener = pq.NewListener(dsn, minReconnect, maxReconnect, l.eventCallback)
	return l
}

func (l *Listener) eventCallback(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.connected.Store(true)
	case pq.ListenerEventDisconnected:
		l.connected.Store(false)
	case pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		if err != nil {
			l.logger.WithError(err).Warn("listener reconnect attempt failed")
		}
	}
}

// Events returns the channel Events are delivered on.
func (l *Listener) Events() <-chan Event { return l.events }

// ListenNamespaces subscribes to pgmq_message_ready.{namespace} for each
// namespace, plus the shared pgmq_queue_created channel, and starts the
// dispatch loop.
func (l *Listener) ListenNamespaces(namespaces []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	channels := make([]string, 0, len(namespaces)+1)
	for _, ns := range namespaces {
		channels = append(channels, "pgmq_message_ready."+ns)
	}
	channels = append(channels, "pgmq_queue_created")

	for _, ch := range channels {
		if err := l.listener.Listen(ch); err != nil {
			return fmt.Errorf("notify: listen %s: %w", ch, err)
		}
	}
	l.channels = channels

	go l.dispatchLoop()
	return nil
}

func (l *Listener) dispatchLoop() {
	for n := range l.listener.Notify {
		if n == nil {
			continue
		}
		l.eventsReceived.Add(1)

		ev, ok, err := parseEvent(n.Channel, n.Extra)
		if err != nil {
			l.parseErrors.Add(1)
			l.logger.WithError(err).WithField("channel", n.Channel).Warn("discarding malformed notification payload")
			continue
		}
		if !ok {
			continue
		}

		select {
		case l.events <- ev:
		default:
			l.logger.WithField("channel", n.Channel).Warn("event channel full, dropping notification; fallback poller will catch it")
		}
	}
}

// parseEvent decodes one raw notification into an Event. ok is false for
// channels that carry no step-ready event (pgmq_queue_created); err is set
// for a message-ready channel whose payload failed to parse.
func parseEvent(channel, extra string) (Event, bool, error) {
	if channel == "pgmq_queue_created" {
		return Event{}, false, nil
	}

	ns, ok := strings.CutPrefix(channel, "pgmq_message_ready.")
	if !ok {
		return Event{}, false, fmt.Errorf("notify: unrecognized channel %q", channel)
	}

	var p payload
	if err := json.Unmarshal([]byte(extra), &p); err != nil {
		return Event{}, false, err
	}
	return Event{MsgID: p.MsgID, QueueName: p.QueueName, Namespace: ns}, true, nil
}

// Stats returns the listener's current health counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	channels := len(l.channels)
	l.mu.Unlock()
	return Stats{
		Connected:         l.connected.Load(),
		ChannelsListening: channels,
		EventsReceived:    l.eventsReceived.Load(),
		ParseErrors:       l.parseErrors.Load(),
	}
}

// Close stops listening and releases the underlying connection.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.listener.Close()
		close(l.events)
	})
	return err
}

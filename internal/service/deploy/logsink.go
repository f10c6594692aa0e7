package deploy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/localvercel/internal/queue"
)

// LogMessage is published on a deployment's live log channel.
type LogMessage struct {
	Event  string    `json:"event"`
	Stream string    `json:"stream,omitempty"`
	Line   string    `json:"line,omitempty"`
	Status string    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
}

// Live log events.
const (
	EventLog = "log"
	EventEnd = "end"
)

const (
	sinkFlushLines    = 50
	sinkFlushInterval = time.Second
)

// logSink buffers output lines into the stored log and publishes each line to
// live subscribers.
type logSink struct {
	mu        sync.Mutex
	ctx       context.Context
	channel   string
	stream    string
	buf       strings.Builder
	pending   int
	lastFlush time.Time
	store     func(ctx context.Context, text string) error
	broker    queue.Broker
	logger    *slog.Logger
}

func newLogSink(ctx context.Context, channel, stream string, broker queue.Broker, logger *slog.Logger, store func(context.Context, string) error) *logSink {
	return &logSink{
		ctx:       context.WithoutCancel(ctx),
		channel:   channel,
		stream:    stream,
		store:     store,
		broker:    broker,
		logger:    logger,
		lastFlush: time.Now(),
	}
}

// Line records one line of output.
func (l *logSink) Line(line string) {
	line = strings.TrimRight(line, "\r\n")
	l.mu.Lock()
	l.buf.WriteString(line)
	l.buf.WriteByte('\n')
	l.pending++
	due := l.pending >= sinkFlushLines || time.Since(l.lastFlush) >= sinkFlushInterval
	l.mu.Unlock()

	l.publish(LogMessage{Event: EventLog, Stream: l.stream, Line: line, Time: time.Now().UTC()})
	if due {
		l.Flush()
	}
}

// Flush writes buffered lines to the store.
func (l *logSink) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastFlush = time.Now()
	if l.pending == 0 {
		return
	}
	text := l.buf.String()
	l.buf.Reset()
	l.pending = 0
	if err := l.store(l.ctx, text); err != nil {
		l.logger.Warn("append log failed", "stream", l.stream, "error", err)
	}
}

func (l *logSink) publish(msg LogMessage) {
	publish(l.ctx, l.broker, l.channel, msg, l.logger)
}

func publish(ctx context.Context, broker queue.Broker, channel string, msg LogMessage, logger *slog.Logger) {
	if broker == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := broker.Publish(ctx, channel, payload); err != nil {
		logger.Debug("publish live log failed", "channel", channel, "error", err)
	}
}

// Package sqlite provides a durable queue transport backed by one SQLite file.
// Processes on the same host share the file; each message is claimed by
// exactly one subscriber, so consumers of a connection split the stream.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/rflow/internal/runtime/jsoncodec"
	"github.com/drblury/rflow/transport"
)

const TransportName = "sqlite"

const (
	DefaultFile         = "rflow_queue.db"
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultMaxAttempts is how many deliveries a message gets before it is
	// dead-lettered.
	DefaultMaxAttempts = 3
	// DefaultLease is how long a claimed message stays invisible to other
	// consumers before it is handed out again.
	DefaultLease = 30 * time.Second
)

var ErrClosed = errors.New("sqlite queue closed")

const schema = `
CREATE TABLE IF NOT EXISTS rflow_queue (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	frame_id   TEXT    NOT NULL,
	topic      TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	headers    TEXT    NOT NULL DEFAULT '{}',
	leased_to  INTEGER NOT NULL DEFAULT 0,
	attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS rflow_queue_topic ON rflow_queue(topic, seq);
CREATE TABLE IF NOT EXISTS rflow_dead_letters (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	frame_id TEXT    NOT NULL,
	topic    TEXT    NOT NULL,
	payload  BLOB    NOT NULL,
	headers  TEXT    NOT NULL,
	attempts INTEGER NOT NULL
);`

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Build opens the queue file named by the configuration. Each endpoint gets
// its own handle so closing one side leaves the other running.
func Build(_ context.Context, ep transport.Endpoint, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	var opts Options
	if cfg != nil {
		opts.File = cfg.GetSQLiteFile()
	}
	q, err := Open(opts, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	if ep.Side == transport.SideOutput {
		return transport.Transport{Publisher: q}, nil
	}
	return transport.Transport{Subscriber: q}, nil
}

type Options struct {
	File         string
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration
}

func (o Options) normalized() Options {
	if o.File == "" {
		o.File = DefaultFile
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	return o
}

// Queue is both the publisher and the subscriber over one database handle.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger watermill.LoggerAdapter

	done      chan struct{}
	closeOnce sync.Once
	pollers   sync.WaitGroup
}

// Open creates the queue tables when missing. WAL mode and a busy timeout
// let several processes share the file.
func Open(opts Options, logger watermill.LoggerAdapter) (*Queue, error) {
	opts = opts.normalized()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	db, err := sql.Open("sqlite3", opts.File+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.File, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("create queue tables in %s: %w", opts.File, err), db.Close())
	}
	return &Queue{
		db:     db,
		opts:   opts,
		logger: logger.With(watermill.LogFields{"file": opts.File}),
		done:   make(chan struct{}),
	}, nil
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Publish appends msgs to topic atomically.
func (q *Queue) Publish(topic string, msgs ...*message.Message) (err error) {
	if q.closed() {
		return ErrClosed
	}
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, msg := range msgs {
		headers, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode headers of %s: %w", msg.UUID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO rflow_queue (frame_id, topic, payload, headers) VALUES (?, ?, ?, ?)`,
			msg.UUID, topic, []byte(msg.Payload), string(headers),
		); err != nil {
			return fmt.Errorf("enqueue %s: %w", msg.UUID, err)
		}
	}
	return tx.Commit()
}

// Subscribe polls topic. A claimed message is settled before the next one
// is claimed, so one subscription holds at most one lease.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.closed() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	q.pollers.Add(1)
	go func() {
		defer q.pollers.Done()
		defer close(out)
		q.poll(ctx, topic, out)
	}()
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-timer.C:
		}
		for q.deliverOne(ctx, topic, out) {
		}
		timer.Reset(q.opts.PollInterval)
	}
}

type lease struct {
	seq      int64
	attempts int
}

// claim leases the oldest message of topic whose lease has run out.
func (q *Queue) claim(ctx context.Context, topic string) (lease, *message.Message, error) {
	now := time.Now().UnixNano()
	var (
		l       lease
		frameID string
		payload []byte
		headers string
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE rflow_queue SET leased_to = ?, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM rflow_queue
			WHERE topic = ? AND leased_to < ?
			ORDER BY seq LIMIT 1
		)
		RETURNING seq, attempts, frame_id, payload, headers`,
		now+int64(q.opts.Lease), topic, now,
	).Scan(&l.seq, &l.attempts, &frameID, &payload, &headers)
	if err != nil {
		return lease{}, nil, err
	}
	msg := message.NewMessage(frameID, payload)
	if err := jsoncodec.Unmarshal([]byte(headers), &msg.Metadata); err != nil {
		q.logger.Error("Dropping undecodable headers", err, watermill.LogFields{"frame_id": frameID})
	}
	return l, msg, nil
}

// deliverOne reports whether a message was delivered and settled, meaning
// the caller should try the next one right away.
func (q *Queue) deliverOne(ctx context.Context, topic string, out chan<- *message.Message) bool {
	l, msg, err := q.claim(ctx, topic)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil && !q.closed() {
			q.logger.Error("Claiming message failed", err, watermill.LogFields{"topic": topic})
		}
		return false
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		q.release(l)
		return false
	case <-q.done:
		q.release(l)
		return false
	}

	select {
	case <-msg.Acked():
		q.settle(`DELETE FROM rflow_queue WHERE seq = ?`, l.seq)
		return true
	case <-msg.Nacked():
		q.retry(l, topic)
		return true
	case <-ctx.Done():
	case <-q.done:
	}
	q.release(l)
	return false
}

// retry makes a nacked message visible again, or moves it to the dead
// letters once it has used up its attempts.
func (q *Queue) retry(l lease, topic string) {
	if l.attempts < q.opts.MaxAttempts {
		q.settle(`UPDATE rflow_queue SET leased_to = 0 WHERE seq = ?`, l.seq)
		return
	}
	tx, err := q.db.Begin()
	if err == nil {
		_, err = tx.Exec(`
			INSERT INTO rflow_dead_letters (frame_id, topic, payload, headers, attempts)
			SELECT frame_id, topic, payload, headers, attempts FROM rflow_queue WHERE seq = ?`, l.seq)
		if err == nil {
			_, err = tx.Exec(`DELETE FROM rflow_queue WHERE seq = ?`, l.seq)
		}
		if err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	if err != nil {
		q.logger.Error("Dead-lettering message failed", err, watermill.LogFields{"topic": topic, "seq": l.seq})
		return
	}
	q.logger.Info("Message dead-lettered", watermill.LogFields{"topic": topic, "attempts": l.attempts})
}

// release hands the lease back without counting the delivery.
func (q *Queue) release(l lease) {
	q.settle(`UPDATE rflow_queue SET leased_to = 0, attempts = attempts - 1 WHERE seq = ?`, l.seq)
}

func (q *Queue) settle(stmt string, seq int64) {
	if _, err := q.db.Exec(stmt, seq); err != nil && !q.closed() {
		q.logger.Error("Settling message failed", err, watermill.LogFields{"seq": seq})
	}
}

// Close stops every poller, returning their leases, then closes the handle.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		q.pollers.Wait()
		err = q.db.Close()
	})
	return err
}

// Pending counts queued messages of topic, leased or not.
func (q *Queue) Pending(topic string) (int64, error) {
	return q.count(`SELECT COUNT(*) FROM rflow_queue WHERE topic = ?`, topic)
}

// DeadLetters counts dead-lettered messages of topic.
func (q *Queue) DeadLetters(topic string) (int64, error) {
	return q.count(`SELECT COUNT(*) FROM rflow_dead_letters WHERE topic = ?`, topic)
}

func (q *Queue) count(query, topic string) (int64, error) {
	var n int64
	err := q.db.QueryRow(query, topic).Scan(&n)
	return n, err
}

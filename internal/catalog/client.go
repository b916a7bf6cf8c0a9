// Package catalog provides typed access to the persistent document catalog:
// documents, owners, chunk partitions, quizzes, the conversation log, and the
// ingestion ledger. All similarity queries live here so the score-ordering
// contract has a single implementation.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/models"
)

// Client manages the catalog connection pool and the async conversation
// log queue.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	logQueue chan *models.ConversationRecord
	workers  int
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// NewClient opens the connection pool and starts the log workers.
func NewClient(cfg config.DatabaseConfig, logger *zap.Logger) (*Client, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}

	queueSize := cfg.LogQueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.LogWorkers
	if workers <= 0 {
		workers = 2
	}

	c := &Client{
		db:       db,
		logger:   logger,
		logQueue: make(chan *models.ConversationRecord, queueSize),
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
	c.startLogWorkers()

	logger.Info("Catalog client initialized",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("log_workers", workers),
		zap.Int("log_queue_size", queueSize),
	)
	return c, nil
}

// NewClientFromDB wraps an existing pool. Used by tests with sqlmock.
func NewClientFromDB(db *sql.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:       sqlx.NewDb(db, "postgres"),
		logger:   logger,
		logQueue: make(chan *models.ConversationRecord, 16),
		workers:  1,
		stopCh:   make(chan struct{}),
	}
	c.startLogWorkers()
	return c
}

// Ping checks catalog connectivity. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// startLogWorkers launches the async conversation log workers.
func (c *Client) startLogWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.logWorker(i)
	}
}

// logWorker batches queued conversation records and flushes them on a
// ticker. Failures are logged and dropped; the log is best-effort.
func (c *Client) logWorker(id int) {
	defer c.workerWg.Done()

	batch := make([]*models.ConversationRecord, 0, 32)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.insertConversations(context.Background(), batch); err != nil {
			c.logger.Error("Failed to flush conversation log batch",
				zap.Int("worker_id", id),
				zap.Int("count", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-c.stopCh:
			c.drainLogQueue(&batch)
			flush()
			return
		case rec := <-c.logQueue:
			batch = append(batch, rec)
			if len(batch) >= 32 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drainLogQueue empties whatever remains in the queue during shutdown.
func (c *Client) drainLogQueue(batch *[]*models.ConversationRecord) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec := <-c.logQueue:
			*batch = append(*batch, rec)
		case <-timeout:
			c.logger.Warn("Timeout draining conversation log queue")
			return
		default:
			return
		}
	}
}

// Close drains the log queue and closes the pool.
func (c *Client) Close() error {
	c.logger.Info("Shutting down catalog client")
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close catalog database: %w", err)
	}
	return nil
}

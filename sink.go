package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Archive Sinks
//
// Sinks mirror successfully persisted records into secondary stores for
// compliance retention that outlives the primary collection's TTL. They hang
// off the logged hooks, so they only ever see records that made it into the
// primary store.

// SinkConfig holds configuration for the file and SQL archive sinks.
type SinkConfig struct {
	// FilePath is the path of the JSON-lines archive file. Empty disables the
	// file sink.
	FilePath string
	// MaxSizeMB is the maximum size in megabytes of the archive file before it
	// is rotated.
	MaxSizeMB int
	// MaxBackups is the maximum number of rotated files to retain.
	MaxBackups int
	// MaxAgeDays is the maximum number of days to retain rotated files.
	MaxAgeDays int
	// Compress enables compression of rotated files.
	Compress bool
	// BatchSize is the number of records accumulated before one SQL insert.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits before being
	// flushed to SQL anyway.
	FlushInterval time.Duration
	// RetryCount is the number of attempts for a failed SQL batch insert.
	RetryCount int
	// RetryDelay is the delay between SQL insert attempts.
	RetryDelay time.Duration
}

// DefaultSinkConfig returns a SinkConfig populated with default values.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		FilePath:      "",
		MaxSizeMB:     100,
		MaxBackups:    3,
		MaxAgeDays:    28,
		Compress:      true,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		RetryCount:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// SinkOption is a functional option for configuring the archive sinks.
type SinkOption func(*SinkConfig)

// WithArchiveFile sets the JSON-lines archive file path. Empty disables the
// file sink.
func WithArchiveFile(path string) SinkOption {
	return func(cfg *SinkConfig) { cfg.FilePath = path }
}

// WithMaxSizeMB sets the rotation size of the archive file.
func WithMaxSizeMB(size int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxSizeMB = size }
}

// WithMaxBackups sets how many rotated archive files to retain.
func WithMaxBackups(backups int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxBackups = backups }
}

// WithMaxAgeDays sets how many days rotated archive files are retained.
func WithMaxAgeDays(days int) SinkOption {
	return func(cfg *SinkConfig) { cfg.MaxAgeDays = days }
}

// WithCompress enables or disables compression of rotated archive files.
func WithCompress(compress bool) SinkOption {
	return func(cfg *SinkConfig) { cfg.Compress = compress }
}

// WithBatchSize sets the SQL archive batch size.
func WithBatchSize(size int) SinkOption {
	return func(cfg *SinkConfig) {
		if size > 0 {
			cfg.BatchSize = size
		}
	}
}

// WithFlushInterval sets the maximum age of a partial SQL batch.
func WithFlushInterval(interval time.Duration) SinkOption {
	return func(cfg *SinkConfig) {
		if interval > 0 {
			cfg.FlushInterval = interval
		}
	}
}

// WithRetryCount sets the number of attempts for a failed SQL batch insert.
func WithRetryCount(count int) SinkOption {
	return func(cfg *SinkConfig) {
		if count > 0 {
			cfg.RetryCount = count
		}
	}
}

// WithRetryDelay sets the delay between SQL insert attempts.
func WithRetryDelay(delay time.Duration) SinkOption {
	return func(cfg *SinkConfig) {
		if delay > 0 {
			cfg.RetryDelay = delay
		}
	}
}

// SetupSinks subscribes the configured archive sinks to logger's logged hooks.
//
// Parameters:
//   - logger: The Logger whose persisted records are archived.
//   - db: An optional SQL connection pool. Nil disables the SQL archive.
//   - opts: Variadic options applied over DefaultSinkConfig.
//
// Returns:
//   - []func() error: Closers to call during shutdown; each unsubscribes its
//     sink and releases its resources.
//   - error: A sink initialization failure.
func SetupSinks(logger *Logger, db *sql.DB, opts ...SinkOption) ([]func() error, error) {
	cfg := DefaultSinkConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var closers []func() error

	if cfg.FilePath != "" {
		fs := newFileSink(cfg, logger.log)
		unsub := logger.Bus().OnLogged(fs.archive)
		closers = append(closers, func() error {
			unsub()
			return fs.Close()
		})
	}

	if db != nil {
		if err := SetupArchiveTable(db); err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, err
		}
		archive, closeArchive := newSQLSink(db, cfg, logger.log)
		unsub := logger.Bus().OnLogged(archive)
		closers = append(closers, func() error {
			unsub()
			return closeArchive()
		})
	}

	return closers, nil
}

// SetupArchiveTable creates the SQL archive table and its indexes if missing.
//
// Returns:
//   - error: A table or index creation failure.
func SetupArchiveTable(db *sql.DB) error {
	createTableQuery := `
CREATE TABLE IF NOT EXISTS activity_archive (
	id VARCHAR(24) PRIMARY KEY,
	user_id VARCHAR(255) NOT NULL,
	entity_type VARCHAR(255) NOT NULL,
	entity_id VARCHAR(255),
	type VARCHAR(255) NOT NULL,
	created_at TIMESTAMP NOT NULL,
	meta TEXT
)`
	if _, err := db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("activity: archive table creation failed: %w", err)
	}
	indexQueries := []string{
		`CREATE INDEX IF NOT EXISTS idx_archive_user ON activity_archive (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_entity ON activity_archive (entity_type, entity_id, created_at);`,
	}
	for _, q := range indexQueries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("activity: archive index creation failed: %w", err)
		}
	}
	return nil
}

// fileSink appends persisted records to a rotated JSON-lines file.
type fileSink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	log    logrus.FieldLogger
}

func newFileSink(cfg SinkConfig, log logrus.FieldLogger) *fileSink {
	return &fileSink{
		writer: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		log: log,
	}
}

// archive writes one record as a JSON line. It is a LoggedHook: failures are
// local warnings, never propagated back into the logging pipeline.
func (s *fileSink) archive(rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Warn("activity: file sink marshal failed")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		s.log.WithError(err).Warn("activity: file sink write failed")
	}
}

// Close flushes and closes the archive file.
func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// newSQLSink starts the background batcher feeding the SQL archive and returns
// the LoggedHook to subscribe plus a closer that drains and stops it.
//
// Records are buffered on a channel and flushed either when the batch fills or
// on the ticker, whichever comes first. A full buffer drops the record with a
// warning rather than blocking the hook dispatch path.
func newSQLSink(db *sql.DB, cfg SinkConfig, log logrus.FieldLogger) (LoggedHook, func() error) {
	records := make(chan *Record, cfg.BatchSize*2)
	closed := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var batch []*Record
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := archiveBatch(db, batch, cfg); err != nil {
				log.WithError(err).Warn("activity: sql archive batch failed")
			}
			batch = nil
		}

		for {
			select {
			case rec := <-records:
				batch = append(batch, rec)
				if len(batch) >= cfg.BatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			case <-closed:
				// Drain whatever is still buffered, then final flush.
				for {
					select {
					case rec := <-records:
						batch = append(batch, rec)
					default:
						flush()
						return
					}
				}
			}
		}
	}()

	hook := func(rec *Record) {
		select {
		case records <- rec:
		case <-closed:
			log.Warn("activity: sql archive closed, record not archived")
		default:
			log.Warn("activity: sql archive buffer full, record not archived")
		}
	}

	var closeOnce sync.Once
	closer := func() error {
		closeOnce.Do(func() {
			close(closed)
			wg.Wait()
		})
		return nil
	}

	return hook, closer
}

// archiveBatch inserts one batch transactionally, retrying the whole batch on
// failure. Individual records that cannot be marshaled are skipped with no
// effect on the rest of the batch.
func archiveBatch(db *sql.DB, batch []*Record, cfg SinkConfig) error {
	const query = `
INSERT OR IGNORE INTO activity_archive (id, user_id, entity_type, entity_id, type, created_at, meta)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryCount; attempt++ {
		if attempt > 1 {
			time.Sleep(cfg.RetryDelay)
		}
		tx, err := db.Begin()
		if err != nil {
			lastErr = err
			continue
		}
		stmt, err := tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			lastErr = err
			continue
		}
		execErr := func() error {
			defer stmt.Close()
			for _, rec := range batch {
				var meta []byte
				if rec.Meta != nil {
					var mErr error
					if meta, mErr = json.Marshal(rec.Meta); mErr != nil {
						continue
					}
				}
				if _, err := stmt.Exec(
					rec.ID.Hex(),
					rec.UserID,
					rec.Entity.Type,
					rec.Entity.ID,
					rec.Type,
					rec.CreatedAt.Format(time.RFC3339Nano),
					string(meta),
				); err != nil {
					return err
				}
			}
			return nil
		}()
		if execErr != nil {
			tx.Rollback()
			lastErr = execErr
			continue
		}
		if err := tx.Commit(); err != nil {
			tx.Rollback()
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("activity: archive insert failed after %d attempt(s): %w", cfg.RetryCount, lastErr)
}

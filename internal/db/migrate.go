package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationDir = "migrations"

const (
	migrationMaxRetries  = 3
	migrationBaseBackoff = 100 * time.Millisecond
	migrationMaxBackoff  = 3 * time.Second
)

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, conn *sql.DB) error {
	return goose.UpContext(ctx, conn, migrationDir)
}

// Migrate applies the embedded schema migrations using the given command
// ("up", "status" or "down").
func Migrate(ctx context.Context, pool *pgxpool.Pool, command string, out io.Writer) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	conn := stdlib.OpenDBFromPool(pool)
	defer conn.Close()

	switch command {
	case "up", "":
		if err := upWithRetry(ctx, conn); err != nil {
			return err
		}
		version, err := goose.GetDBVersionContext(ctx, conn)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		fmt.Fprintf(out, "schema at version %d\n", version)
		return nil
	case "status":
		goose.SetLogger(writerLogger{out: out})
		return goose.StatusContext(ctx, conn, migrationDir)
	case "down":
		if err := goose.DownContext(ctx, conn, migrationDir); err != nil {
			return fmt.Errorf("roll back migration: %w", err)
		}
		fmt.Fprintln(out, "rolled back one migration")
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func upWithRetry(ctx context.Context, conn *sql.DB) error {
	var err error
	for attempt := 0; attempt < migrationMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * migrationBaseBackoff
			if backoff > migrationMaxBackoff {
				backoff = migrationMaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = gooseUp(ctx, conn)
		if err == nil {
			return nil
		}
		if !shouldRetryMigration(err) {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	return fmt.Errorf("apply migrations: exceeded max retries (%d): %w", migrationMaxRetries, err)
}

func shouldRetryMigration(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryablePgErrorCodes[pgErr.Code]; ok {
			return true
		}
	}

	return errors.Is(err, pgx.ErrTxClosed)
}

type writerLogger struct {
	out io.Writer
}

func (l writerLogger) Fatalf(format string, v ...interface{}) {
	fmt.Fprintf(l.out, format, v...)
}

func (l writerLogger) Printf(format string, v ...interface{}) {
	fmt.Fprintf(l.out, format, v...)
}

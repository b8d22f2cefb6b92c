package postgres

import (
	"context"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/echocore/internal/errs"
	"github.com/lalith-99/echocore/internal/models"
	"github.com/lalith-99/echocore/internal/repository"
	"golang.org/x/crypto/blake2b"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes mapped onto the error taxonomy.
const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

// querier is what the per-table stores need: a pgx.Tx inside Store.InTx, or
// the pool for one-off reads.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store runs units of work against Postgres.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var (
	_ repository.Store = (*Store)(nil)
	_ repository.Tx    = (*txRepo)(nil)
)

// NewStore wraps pool. lockTimeout bounds every row or advisory lock wait;
// zero leaves the server default.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// ApplySchema creates missing tables and indexes.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(tx repository.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return mapError("begin transaction", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapError("set lock timeout", err)
		}
	}

	if err := fn(newTxRepo(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// txRepo binds every table store to one transaction.
type txRepo struct {
	*CustomerStore
	*ConversationStore
	*MessageStore
	*LoyaltyStore
	*AuditStore
	tx pgx.Tx
}

func newTxRepo(tx pgx.Tx) *txRepo {
	return &txRepo{
		CustomerStore:     NewCustomerStore(tx),
		ConversationStore: NewConversationStore(tx),
		MessageStore:      NewMessageStore(tx),
		LoyaltyStore:      NewLoyaltyStore(tx),
		AuditStore:        NewAuditStore(tx),
		tx:                tx,
	}
}

// LockKey takes a transaction-scoped advisory lock named by key.
func (r *txRepo) LockKey(ctx context.Context, key string) error {
	if _, err := r.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(key)); err != nil {
		return mapError("acquire advisory lock", err)
	}
	return nil
}

// advisoryKey folds a lock name into the int64 key space of Postgres
// advisory locks.
func advisoryKey(name string) int64 {
	sum := blake2b.Sum256([]byte(name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// mapError translates driver errors. Lock waits that time out, deadlocks
// and serialization failures become ErrConcurrencyConflict so callers can
// retry; everything else is a storage failure.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
			return fmt.Errorf("%s: %w: %s", op, errs.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrConcurrencyConflict, err)
	}
	return errs.Storage(op, err)
}

// claimIndexes maps the live-identifier unique indexes to identifier kinds.
var claimIndexes = map[string]models.IdentifierKind{
	"customers_live_phone_key":     models.KindPhone,
	"customers_live_email_key":     models.KindEmail,
	"customers_live_instagram_key": models.KindInstagram,
	"customers_live_facebook_key":  models.KindFacebook,
	"customers_live_tiktok_key":    models.KindTikTok,
}

// mapCustomerWriteError reports a live-identifier index violation as a
// claim conflict. The owner cannot be read inside the aborted transaction,
// so ConflictingCustomerID is left unset.
func mapCustomerWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		if kind, ok := claimIndexes[pgErr.ConstraintName]; ok {
			return fmt.Errorf("%s: %w", op, &errs.ClaimError{Kind: string(kind)})
		}
	}
	return mapError(op, err)
}

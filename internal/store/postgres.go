package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paytochat/paygate/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Store is the pgx-backed credit ledger and payment record store. All
// balance mutation happens through atomic SQL arithmetic; application
// code never reads a balance and writes it back.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// EnsureAccount upserts an account with 0 credits. Safe under
// concurrent first contact: the conditional insert either wins or
// no-ops, and the row is read back either way. Existing rows are never
// overwritten.
func (s *Store) EnsureAccount(ctx context.Context, address string) (*domain.Account, error) {
	_, err := s.db.Exec(ctx,
		"INSERT INTO accounts (address, credits) VALUES ($1, 0) ON CONFLICT (address) DO NOTHING",
		address)
	if err != nil {
		return nil, fmt.Errorf("account upsert failed: %w", err)
	}
	return s.GetAccount(ctx, address)
}

// GetAccount retrieves a single account by normalized address.
func (s *Store) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.QueryRow(ctx,
		"SELECT id, address, credits, created_at FROM accounts WHERE address = $1",
		address).Scan(&account.ID, &account.Address, &account.Credits, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Increment atomically adds credits to an account and appends the
// matching topup event. The account is created on first sight.
func (s *Store) Increment(ctx context.Context, address string, amount int64) (*domain.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO accounts (address, credits) VALUES ($1, 0) ON CONFLICT (address) DO NOTHING",
		address)
	if err != nil {
		return nil, fmt.Errorf("account upsert failed: %w", err)
	}

	var account domain.Account
	err = tx.QueryRow(ctx,
		"UPDATE accounts SET credits = credits + $1 WHERE address = $2 RETURNING id, address, credits, created_at",
		amount, address).Scan(&account.ID, &account.Address, &account.Credits, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit increment failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO topups (amount, account_id) VALUES ($1, $2)",
		amount, account.ID)
	if err != nil {
		return nil, fmt.Errorf("topup insert failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &account, nil
}

// Decrement atomically subtracts credits if the balance covers the
// amount. The check and the write are a single conditional UPDATE, so
// concurrent spends cannot drive the balance negative.
func (s *Store) Decrement(ctx context.Context, address string, amount int64) (*domain.Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var account domain.Account
	err := s.db.QueryRow(ctx,
		"UPDATE accounts SET credits = credits - $1 WHERE address = $2 AND credits >= $1 RETURNING id, address, credits, created_at",
		amount, address).Scan(&account.ID, &account.Address, &account.Credits, &account.CreatedAt)
	if err == nil {
		return &account, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("credit decrement failed: %w", err)
	}

	// No row updated: distinguish a missing account from an
	// insufficient balance.
	var exists bool
	if probeErr := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE address = $1)", address).Scan(&exists); probeErr != nil {
		return nil, probeErr
	}
	if !exists {
		return nil, ErrAccountNotFound
	}
	return nil, ErrInsufficientCredits
}

// GrantForTransaction applies a settlement's effects exactly once. The
// payment record insert is conditional on the transaction hash; only a
// winning insert grants credits and writes the topup event, all inside
// one transaction. A duplicate hash returns the prior record with
// granted=false and leaves the balance untouched.
//
// The transaction runs at the default read-committed level: the unique
// index on transaction_hash supplies the idempotence atomicity, and the
// balance update is plain atomic arithmetic. A stricter isolation level
// would make two concurrent grants to the same address abort each other
// on the shared account row.
func (s *Store) GrantForTransaction(ctx context.Context, address string, credits int64, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO accounts (address, credits) VALUES ($1, 0) ON CONFLICT (address) DO NOTHING",
		address)
	if err != nil {
		return false, nil, fmt.Errorf("account upsert failed: %w", err)
	}

	var accountID int64
	err = tx.QueryRow(ctx, "SELECT id FROM accounts WHERE address = $1", address).Scan(&accountID)
	if err != nil {
		return false, nil, fmt.Errorf("account lookup failed: %w", err)
	}

	inserted := record
	inserted.AccountID = accountID
	err = tx.QueryRow(ctx,
		`INSERT INTO payments (transaction_hash, amount, to_address, network, account_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (transaction_hash) DO NOTHING
		 RETURNING id, created_at`,
		record.TransactionHash, record.Amount, record.To, record.Network, accountID,
	).Scan(&inserted.ID, &inserted.CreatedAt)

	if err == pgx.ErrNoRows {
		// Same settlement processed before; report the prior record.
		existing, lookupErr := s.GetPayment(ctx, record.TransactionHash)
		if lookupErr != nil {
			return false, nil, lookupErr
		}
		return false, existing, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("payment insert failed: %w", err)
	}

	if credits > 0 {
		_, err = tx.Exec(ctx,
			"UPDATE accounts SET credits = credits + $1 WHERE id = $2",
			credits, accountID)
		if err != nil {
			return false, nil, fmt.Errorf("credit grant failed: %w", err)
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO topups (amount, account_id) VALUES ($1, $2)",
			credits, accountID)
		if err != nil {
			return false, nil, fmt.Errorf("topup insert failed: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, &inserted, nil
}

// InsertPaymentIfAbsent records a settlement receipt keyed by
// transaction hash without touching the ledger. Returns the existing
// record and inserted=false when the hash was already recorded.
func (s *Store) InsertPaymentIfAbsent(ctx context.Context, record domain.PaymentRecord) (bool, *domain.PaymentRecord, error) {
	inserted := record
	err := s.db.QueryRow(ctx,
		`INSERT INTO payments (transaction_hash, amount, to_address, network, account_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (transaction_hash) DO NOTHING
		 RETURNING id, created_at`,
		record.TransactionHash, record.Amount, record.To, record.Network, record.AccountID,
	).Scan(&inserted.ID, &inserted.CreatedAt)

	if err == pgx.ErrNoRows {
		existing, lookupErr := s.GetPayment(ctx, record.TransactionHash)
		if lookupErr != nil {
			return false, nil, lookupErr
		}
		return false, existing, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("payment insert failed: %w", err)
	}
	return true, &inserted, nil
}

// GetPayment retrieves a settlement receipt by transaction hash.
func (s *Store) GetPayment(ctx context.Context, transactionHash string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := s.db.QueryRow(ctx,
		`SELECT id, transaction_hash, amount, to_address, network, account_id, created_at
		 FROM payments WHERE transaction_hash = $1`,
		transactionHash,
	).Scan(&record.ID, &record.TransactionHash, &record.Amount, &record.To,
		&record.Network, &record.AccountID, &record.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListPaymentsForAccount returns an account's settlement receipts,
// newest first.
func (s *Store) ListPaymentsForAccount(ctx context.Context, accountID int64, limit int) ([]domain.PaymentRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, transaction_hash, amount, to_address, network, account_id, created_at
		 FROM payments WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PaymentRecord
	for rows.Next() {
		var record domain.PaymentRecord
		if err := rows.Scan(&record.ID, &record.TransactionHash, &record.Amount, &record.To,
			&record.Network, &record.AccountID, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListTopUpsForAccount returns an account's credit grants, newest
// first.
func (s *Store) ListTopUpsForAccount(ctx context.Context, accountID int64, limit int) ([]domain.TopUpEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, amount, account_id, created_at
		 FROM topups WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TopUpEvent
	for rows.Next() {
		var event domain.TopUpEvent
		if err := rows.Scan(&event.ID, &event.Amount, &event.AccountID, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetAccountDetail returns the account with its recent topups and
// payments.
func (s *Store) GetAccountDetail(ctx context.Context, address string, limit int) (*domain.AccountDetail, error) {
	account, err := s.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	topups, err := s.ListTopUpsForAccount(ctx, account.ID, limit)
	if err != nil {
		return nil, err
	}
	payments, err := s.ListPaymentsForAccount(ctx, account.ID, limit)
	if err != nil {
		return nil, err
	}

	return &domain.AccountDetail{Account: *account, TopUps: topups, Payments: payments}, nil
}

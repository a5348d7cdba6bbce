package credit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresLedger persists the transaction chain in a relational table. The
// chain semantics are identical to MemoryLedger; appends serialize through
// an advisory lock so PrevHash always references the true chain head.
type PostgresLedger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS credit_transactions (
	seq             BIGSERIAL PRIMARY KEY,
	tx_id           TEXT NOT NULL UNIQUE,
	account_id      TEXT NOT NULL,
	tx_type         TEXT NOT NULL,
	credits         DOUBLE PRECISION NOT NULL,
	reason          TEXT NOT NULL,
	related_task_id TEXT NOT NULL DEFAULT '',
	related_tx_id   TEXT NOT NULL DEFAULT '',
	report_id       TEXT NOT NULL DEFAULT '',
	timestamp_ms    BIGINT NOT NULL,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS credit_transactions_account_idx ON credit_transactions (account_id, seq);
`

// advisory lock key for chain appends; arbitrary but stable.
const ledgerLockKey = 0x65646765 // "edge"

// NewPostgresLedger opens the database and ensures the schema exists.
func NewPostgresLedger(databaseURL string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger database unreachable: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// Close releases the database handle.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func (l *PostgresLedger) Append(ctx context.Context, tx *CreditTransaction) error {
	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", ledgerLockKey); err != nil {
		return fmt.Errorf("failed to take chain lock: %w", err)
	}

	prevHash := ""
	err = dbtx.QueryRowContext(ctx,
		"SELECT hash FROM credit_transactions ORDER BY seq DESC LIMIT 1").Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	tx.PrevHash = prevHash
	tx.Hash = chainHash(prevHash, *tx)

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(tx_id, account_id, tx_type, credits, reason, related_task_id, related_tx_id, report_id, timestamp_ms, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		tx.TxID, tx.AccountID, string(tx.Type), tx.Credits, tx.Reason,
		tx.RelatedTaskID, tx.RelatedTxID, tx.ReportID, tx.TimestampMs, tx.PrevHash, tx.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return dbtx.Commit()
}

func (l *PostgresLedger) History(ctx context.Context, accountID string) ([]CreditTransaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tx_id, account_id, tx_type, credits, reason, related_task_id, related_tx_id, report_id, timestamp_ms, prev_hash, hash
		FROM credit_transactions WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (l *PostgresLedger) Snapshot(ctx context.Context) ([]CreditTransaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tx_id, account_id, tx_type, credits, reason, related_task_id, related_tx_id, report_id, timestamp_ms, prev_hash, hash
		FROM credit_transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (l *PostgresLedger) Verify(ctx context.Context) (int, error) {
	entries, err := l.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return verifyEntries(entries), nil
}

func scanTransactions(rows *sql.Rows) ([]CreditTransaction, error) {
	var out []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		var txType string
		if err := rows.Scan(&tx.TxID, &tx.AccountID, &txType, &tx.Credits, &tx.Reason,
			&tx.RelatedTaskID, &tx.RelatedTxID, &tx.ReportID, &tx.TimestampMs, &tx.PrevHash, &tx.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Type = TransactionType(txType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

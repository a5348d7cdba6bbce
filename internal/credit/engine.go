package credit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/metrics"
)

type holdState struct {
	accountID string
	credits   float64
	released  bool
}

// Engine enforces the economic rules over a Ledger: balances never go
// negative, held credits are unspendable until released, and contribution
// reports accrue exactly once. All operations serialize on one mutex so a
// balance check and its append are atomic.
type Engine struct {
	mu     sync.Mutex
	ledger Ledger

	balances    map[string]float64
	holds       map[string]*holdState
	seenReports map[string]bool

	metrics *metrics.Metrics
}

// NewEngine builds an engine over a ledger, replaying any existing chain
// to rebuild balances, holds, and report idempotency state.
func NewEngine(ledger Ledger, m *metrics.Metrics) (*Engine, error) {
	e := &Engine{
		ledger:      ledger,
		balances:    make(map[string]float64),
		holds:       make(map[string]*holdState),
		seenReports: make(map[string]bool),
		metrics:     m,
	}

	entries, err := ledger.Snapshot(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}
	for i := range entries {
		e.apply(&entries[i])
	}
	if len(entries) > 0 {
		slog.Info("credit ledger replayed", "transactions", len(entries), "accounts", len(e.balances))
	}
	return e, nil
}

// apply folds one transaction into the in-memory projections. Caller holds
// the mutex (or is still single-threaded in NewEngine).
func (e *Engine) apply(tx *CreditTransaction) {
	switch tx.Type {
	case TypeEarn:
		e.balances[tx.AccountID] += tx.Credits
	case TypeSpend:
		e.balances[tx.AccountID] -= tx.Credits
	case TypeHeld:
		e.holds[tx.TxID] = &holdState{accountID: tx.AccountID, credits: tx.Credits}
	}
	if tx.ReportID != "" {
		e.seenReports[tx.ReportID] = true
	}
	if tx.Reason == ReasonHoldRelease && tx.RelatedTxID != "" {
		if h, ok := e.holds[tx.RelatedTxID]; ok {
			h.released = true
		}
	}
}

func (e *Engine) append(ctx context.Context, tx *CreditTransaction) error {
	if err := e.ledger.Append(ctx, tx); err != nil {
		return fmt.Errorf("failed to append %s: %w", tx.Type, err)
	}
	e.apply(tx)
	if e.metrics != nil {
		e.metrics.RecordCreditTransaction(string(tx.Type), tx.AccountID, e.balances[tx.AccountID])
	}
	return nil
}

func newTx(accountID string, txType TransactionType, credits float64, reason string) *CreditTransaction {
	return &CreditTransaction{
		TxID:        uuid.NewString(),
		AccountID:   accountID,
		Type:        txType,
		Credits:     credits,
		Reason:      reason,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// activeHolds sums unreleased holds against an account. Caller holds the mutex.
func (e *Engine) activeHolds(accountID string) float64 {
	total := 0.0
	for _, h := range e.holds {
		if h.accountID == accountID && !h.released {
			total += h.credits
		}
	}
	return total
}

// Accrue prices a contribution report and appends the earn. A reportId
// seen before is rejected; retried deliveries are safe.
func (e *Engine) Accrue(ctx context.Context, report ContributionReport, load LoadSnapshot) (*CreditTransaction, error) {
	if report.ReportID == "" || report.AccountID == "" {
		return nil, apierr.New(apierr.KindValidation, "reportId and accountId are required")
	}
	if report.ComputeSeconds < 0 {
		return nil, apierr.New(apierr.KindValidation, "computeSeconds must be non-negative")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seenReports[report.ReportID] {
		return nil, apierr.New(apierr.KindDuplicateReport, "report already accrued: "+report.ReportID)
	}

	tx := newTx(report.AccountID, TypeEarn, AccrualCredits(report, load), ReasonContribution)
	tx.RelatedTaskID = report.TaskID
	tx.ReportID = report.ReportID
	if err := e.append(ctx, tx); err != nil {
		return nil, err
	}
	slog.Info("credits accrued",
		"account", report.AccountID, "credits", tx.Credits,
		"seconds", report.ComputeSeconds, "class", report.ResourceClass)
	return tx, nil
}

// Spend debits an account. Fails without appending when the spendable
// balance (balance minus active holds) cannot cover the amount.
func (e *Engine) Spend(ctx context.Context, accountID string, credits float64, reason, relatedTaskID string) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, apierr.New(apierr.KindValidation, "spend amount must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	available := e.balances[accountID] - e.activeHolds(accountID)
	if available < credits {
		return nil, apierr.New(apierr.KindInsufficientCredits,
			fmt.Sprintf("account %s has %.3f spendable, needs %.3f", accountID, available, credits))
	}

	tx := newTx(accountID, TypeSpend, credits, reason)
	tx.RelatedTaskID = relatedTaskID
	if err := e.append(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Hold reserves spendable credits without moving them. The reservation
// reduces the spendable balance until released.
func (e *Engine) Hold(ctx context.Context, accountID string, credits float64, reason, relatedTaskID string) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, apierr.New(apierr.KindValidation, "hold amount must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	available := e.balances[accountID] - e.activeHolds(accountID)
	if available < credits {
		return nil, apierr.New(apierr.KindInsufficientCredits,
			fmt.Sprintf("account %s has %.3f spendable, cannot hold %.3f", accountID, available, credits))
	}

	tx := newTx(accountID, TypeHeld, credits, reason)
	tx.RelatedTaskID = relatedTaskID
	if err := e.append(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Release ends a hold. The ledger records a balanced earn+spend pair
// referencing the hold's txId, so history shows the hold settling with no
// net balance change. A hold releases exactly once; the operation survives
// task retries in between.
func (e *Engine) Release(ctx context.Context, holdTxID string) (*CreditTransaction, *CreditTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.holds[holdTxID]
	if !ok {
		return nil, nil, apierr.New(apierr.KindNotFound, "unknown hold: "+holdTxID)
	}
	if h.released {
		return nil, nil, apierr.New(apierr.KindValidation, "hold already released: "+holdTxID)
	}

	earn := newTx(h.accountID, TypeEarn, h.credits, ReasonHoldRelease)
	earn.RelatedTxID = holdTxID
	if err := e.append(ctx, earn); err != nil {
		return nil, nil, err
	}

	spend := newTx(h.accountID, TypeSpend, h.credits, ReasonHoldRelease)
	spend.RelatedTxID = holdTxID
	if err := e.append(ctx, spend); err != nil {
		return nil, nil, err
	}

	h.released = true
	return earn, spend, nil
}

// Adjust applies an operator correction, positive or negative. Negative
// adjustments respect the non-negative balance invariant.
func (e *Engine) Adjust(ctx context.Context, accountID string, delta float64, reason string) (*CreditTransaction, error) {
	if delta == 0 {
		return nil, apierr.New(apierr.KindValidation, "adjustment must be non-zero")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if delta < 0 && e.balances[accountID]+delta < 0 {
		return nil, apierr.New(apierr.KindInsufficientCredits,
			fmt.Sprintf("account %s balance %.3f cannot absorb %.3f", accountID, e.balances[accountID], delta))
	}

	txType := TypeEarn
	credits := delta
	if delta < 0 {
		txType = TypeSpend
		credits = -delta
	}
	tx := newTx(accountID, txType, credits, ReasonAdjust+": "+reason)
	if err := e.append(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Balance returns earn minus spend for the account. Held credits stay in
// the balance; they are excluded from Available.
func (e *Engine) Balance(accountID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[accountID]
}

// Available returns the spendable balance: balance minus active holds.
func (e *Engine) Available(accountID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[accountID] - e.activeHolds(accountID)
}

// History returns the account's transactions in append order.
func (e *Engine) History(ctx context.Context, accountID string) ([]CreditTransaction, error) {
	return e.ledger.History(ctx, accountID)
}

// Snapshot returns the full chain.
func (e *Engine) Snapshot(ctx context.Context) ([]CreditTransaction, error) {
	return e.ledger.Snapshot(ctx)
}

// VerifyChain recomputes the hash chain. Returns -1 when intact, else the
// index of the first tampered entry.
func (e *Engine) VerifyChain(ctx context.Context) (int, error) {
	return e.ledger.Verify(ctx)
}

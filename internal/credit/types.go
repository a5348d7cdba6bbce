// Package credit implements the mesh's economic core: an append-only,
// hash-chained transaction ledger, the pricing rules that convert compute
// contribution into credits, and the engine enforcing balances, holds,
// and idempotent accrual.
package credit

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypeEarn  TransactionType = "earn"
	TypeSpend TransactionType = "spend"
	TypeHeld  TransactionType = "held"
)

// Well-known transaction reasons written by the engine.
const (
	ReasonContribution = "contribution"
	ReasonHold         = "hold"
	ReasonHoldRelease  = "hold_release"
	ReasonAdjust       = "adjust"
)

// CreditTransaction is one immutable ledger entry. PrevHash/Hash chain each
// entry to its predecessor; any rewrite of history breaks verification.
type CreditTransaction struct {
	TxID          string          `json:"txId"`
	AccountID     string          `json:"accountId"`
	Type          TransactionType `json:"type"`
	Credits       float64         `json:"credits"`
	Reason        string          `json:"reason"`
	RelatedTaskID string          `json:"relatedTaskId,omitempty"`
	RelatedTxID   string          `json:"relatedTxId,omitempty"`
	ReportID      string          `json:"reportId,omitempty"`
	TimestampMs   int64           `json:"timestampMs"`
	PrevHash      string          `json:"prevHash"`
	Hash          string          `json:"hash"`
}

// ContributionReport is a worker's claim of compute delivered for a task.
type ContributionReport struct {
	ReportID       string  `json:"reportId"`
	AccountID      string  `json:"accountId"`
	TaskID         string  `json:"taskId,omitempty"`
	ComputeSeconds float64 `json:"computeSeconds"`
	ResourceClass  string  `json:"resourceClass"` // cpu | gpu
	QualityScore   float64 `json:"qualityScore"`
}

// LoadSnapshot captures mesh pressure at accrual time.
type LoadSnapshot struct {
	QueuedTasks  int `json:"queuedTasks"`
	ActiveAgents int `json:"activeAgents"`
}

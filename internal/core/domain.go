// Package core holds the domain types shared across the mesh runtime:
// tasks and subtasks, run results, peer and capability records, and the
// gossip envelope. Behaviour lives in the component packages; core is
// types plus the small amount of validation they carry.
package core

// Languages the mesh can generate and execute.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
)

// ValidLanguage reports whether the mesh supports a language.
func ValidLanguage(lang string) bool {
	return lang == LangPython || lang == LangJavaScript
}

// Sandbox modes, ordered none < vm < docker by isolation strength.
const (
	SandboxNone   = "none"
	SandboxVM     = "vm"
	SandboxDocker = "docker"
)

// SandboxRank orders sandbox modes by isolation strength; unknown modes
// rank below none.
func SandboxRank(mode string) int {
	switch mode {
	case SandboxNone:
		return 1
	case SandboxVM:
		return 2
	case SandboxDocker:
		return 3
	default:
		return 0
	}
}

// Reasons a run is queued for cloud resolution.
const (
	QueueOutsideSubset = "outside_subset"
	QueueTimeout       = "timeout"
	QueueModelLimit    = "model_limit"
	QueueManual        = "manual"
	QueueMaxIterations = "max_iterations_exhausted"
)

// Task lifecycle states.
const (
	StatusQueued    = "queued"
	StatusClaimed   = "claimed"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusEscalated = "escalated"
	StatusHandshake = "handshake"
	StatusSettled   = "settled"
)

// Task is a unit of work submitted to a coordinator.
type Task struct {
	TaskID             string `json:"taskId"`
	RequesterAccountID string `json:"requesterAccountId"`
	Prompt             string `json:"prompt"`
	Language           string `json:"language"`
	SnapshotRef        string `json:"snapshotRef,omitempty"`
	Priority           int    `json:"priority"`
	ResourceClass      string `json:"resourceClass"` // cpu | gpu
	RequiresSandbox    bool   `json:"requiresSandbox"`
	CreatedAtMs        int64  `json:"createdAtMs"`
	Status             string `json:"status"`
}

// Subtask kinds produced by decomposition.
const (
	KindMicroLoop  = "micro_loop"
	KindSingleStep = "single_step"
)

// Subtask timeout bounds in milliseconds.
const (
	MinSubtaskTimeoutMs = 5_000
	MaxSubtaskTimeoutMs = 60_000
)

// Subtask is the smallest unit workers claim, derived from a Task.
// Subtasks inherit the parent's sandbox requirement.
type Subtask struct {
	SubtaskID   string `json:"subtaskId"`
	TaskID      string `json:"taskId"`
	Kind        string `json:"kind"`
	Input       string `json:"input"`
	Language    string `json:"language"`
	TimeoutMs   int    `json:"timeoutMs"`
	SnapshotRef string `json:"snapshotRef,omitempty"`
}

// ClampTimeoutMs forces a subtask timeout into the accepted window.
func ClampTimeoutMs(timeoutMs int) int {
	if timeoutMs < MinSubtaskTimeoutMs {
		return MinSubtaskTimeoutMs
	}
	if timeoutMs > MaxSubtaskTimeoutMs {
		return MaxSubtaskTimeoutMs
	}
	return timeoutMs
}

// RunResult is the outcome of executing generated code once.
type RunResult struct {
	Language      string `json:"language"`
	OK            bool   `json:"ok"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exitCode"`
	DurationMs    int64  `json:"durationMs"`
	QueueForCloud bool   `json:"queueForCloud"`
	QueueReason   string `json:"queueReason,omitempty"`
}

// Iteration is one pass of the agent loop.
type Iteration struct {
	Iteration int        `json:"iteration"`
	Plan      string     `json:"plan"`
	Code      string     `json:"code"`
	RunResult *RunResult `json:"runResult,omitempty"`
}

// AgentExecution is the full history of one agent run over a task.
type AgentExecution struct {
	TaskID           string      `json:"taskId"`
	Language         string      `json:"language"`
	Iterations       int         `json:"iterations"`
	History          []Iteration `json:"history"`
	Escalated        bool        `json:"escalated"`
	EscalationReason string      `json:"escalationReason,omitempty"`
	Final            *RunResult  `json:"final,omitempty"`
}

// Agent operating modes.
const (
	ModeSwarmOnly  = "swarm-only"
	ModeIDEEnabled = "ide-enabled"
)

// AgentCapability is what a node advertises about its local agent,
// refreshed on every heartbeat.
type AgentCapability struct {
	AgentID              string  `json:"agentId"`
	SandboxMode          string  `json:"sandboxMode"`
	ActiveModel          string  `json:"activeModel"`
	ActiveModelParamSize float64 `json:"activeModelParamSize"`
	CurrentLoad          float64 `json:"currentLoad"`
	Mode                 string  `json:"mode"`
	ModelProvider        string  `json:"modelProvider"`
	MaxConcurrentTasks   int     `json:"maxConcurrentTasks"`
	SwapInProgress       bool    `json:"swapInProgress"`
	OS                   string  `json:"os,omitempty"`
}

// PeerRecord is one coordinator's view of another mesh node.
type PeerRecord struct {
	PeerID         string  `json:"peerId"`
	PublicKey      string  `json:"publicKey,omitempty"`
	CoordinatorURL string  `json:"coordinatorUrl"`
	NetworkMode    string  `json:"networkMode,omitempty"`
	LastSeenMs     int64   `json:"lastSeenMs"`
	Reputation     float64 `json:"reputation"`
}

// Gossip message types.
const (
	GossipPeerAnnounce      = "peer_announce"
	GossipQueueSummary      = "queue_summary"
	GossipCapabilitySummary = "capability_summary"
	GossipBlacklistUpdate   = "blacklist_update"
	GossipTaskComplete      = "task_complete"
)

// GossipMessage is the signed envelope for mesh fan-out. The signature
// covers the canonical form of every field except itself.
type GossipMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	FromPeerID string         `json:"fromPeerId"`
	IssuedAtMs int64          `json:"issuedAtMs"`
	TTLMs      int64          `json:"ttlMs"`
	Payload    map[string]any `json:"payload"`
	Signature  string         `json:"signature"`
}

// ModelCapability aggregates one model's standing across a coordinator's
// agents.
type ModelCapability struct {
	Model              string  `json:"model"`
	AgentCount         int     `json:"agentCount"`
	TotalParamCapacity float64 `json:"totalParamCapacity"`
	AvgLoad            float64 `json:"avgLoad"`
}

// CapabilitySummary is the periodic per-coordinator capability broadcast.
type CapabilitySummary struct {
	CoordinatorID string            `json:"coordinatorId"`
	GeneratedAtMs int64             `json:"generatedAtMs"`
	Models        []ModelCapability `json:"models"`
}

// EscalationRequest carries a failed task up the resolver waterfall.
// Sanitise before any outbound call.
type EscalationRequest struct {
	TaskID      string `json:"taskId"`
	AgentID     string `json:"agentId"`
	Language    string `json:"language"`
	Prompt      string `json:"prompt"`
	Code        string `json:"code,omitempty"`
	ErrorOutput string `json:"errorOutput,omitempty"`
	QueueReason string `json:"queueReason"`
	Iterations  int    `json:"iterations"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// EscalationResult is what any waterfall step returns.
type EscalationResult struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"` // completed | failed | pending_human
	ResolvedBy   string `json:"resolvedBy,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
	ImprovedCode string `json:"improvedCode,omitempty"`
	RawResponse  string `json:"rawResponse,omitempty"`
	EscalationID string `json:"escalationId,omitempty"`
}

// HumanEscalation is the operator-facing record created when every
// automated step fails.
type HumanEscalation struct {
	EscalationID string            `json:"escalationId"`
	TaskID       string            `json:"taskId"`
	AgentID      string            `json:"agentId"`
	Status       string            `json:"status"` // pending_human | resolved
	Request      EscalationRequest `json:"request"`
	CreatedAtMs  int64             `json:"createdAtMs"`
}

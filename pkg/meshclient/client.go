// Package meshclient is the signed HTTP client for talking to a mesh
// coordinator. Workers and peer coordinators embed it: every request is
// Ed25519-signed with the node identity, so the receiving side can
// verify it against its trusted roster.
//
// Quick start:
//
//	id, _ := identity.FromSeed("worker-1", os.Getenv("NODE_PRIVATE_KEY"))
//	client := meshclient.New(meshclient.Config{
//	    CoordinatorURL: "http://coordinator:4301",
//	    Identity:       id,
//	})
//	claim, err := client.Pull(ctx, task.PullRequest{Model: "qwen2.5-coder:1.5b"})
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/signing"
	"github.com/edgecoder/mesh/internal/task"
)

// Config holds the client configuration.
type Config struct {
	// CoordinatorURL is the base URL of the target coordinator.
	CoordinatorURL string

	// Identity signs every outgoing request. Required.
	Identity *identity.Identity

	// AsCoordinator signs with the coordinator peer header instead of
	// the agent header.
	AsCoordinator bool

	// Timeout per request; default 30s.
	Timeout time.Duration
}

// Client is a signed mesh HTTP client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// do signs and sends one request, decoding the JSON response into out
// when out is non-nil. A 204 leaves out untouched and returns false.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return false, err
		}
	}

	fullURL := strings.TrimRight(c.cfg.CoordinatorURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	u, err := url.Parse(fullURL)
	if err != nil {
		return false, err
	}
	sig, err := signing.SignRequest(c.cfg.Identity, method, u.Path, payload)
	if err != nil {
		return false, err
	}
	header := signing.HeaderAgentID
	if c.cfg.AsCoordinator {
		header = signing.HeaderPeerID
	}
	sig.Apply(req.Header, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode coordinator response: %w", err)
		}
	}
	return true, nil
}

// decodeError surfaces the coordinator's error kind when the body
// carries one.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apierr.Error
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Kind != "" {
		return &apiErr
	}
	return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, string(data))
}

// Register announces this node to the coordinator's peer table. A
// non-nil capability refreshes the coordinator's per-agent record, so
// heartbeats pass the current one on every call.
func (c *Client) Register(ctx context.Context, rec core.PeerRecord, capability *core.AgentCapability) error {
	payload := struct {
		Peer       core.PeerRecord       `json:"peer"`
		Capability *core.AgentCapability `json:"capability,omitempty"`
	}{Peer: rec, Capability: capability}
	_, err := c.do(ctx, http.MethodPost, "/mesh/register", payload, nil)
	return err
}

// Pull claims the best matching subtask. A nil claim means the queue
// had nothing for this agent.
func (c *Client) Pull(ctx context.Context, req task.PullRequest) (*task.Claim, error) {
	var claim task.Claim
	ok, err := c.do(ctx, http.MethodPost, "/pull", req, &claim)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &claim, nil
}

// ResultReport is the payload for posting a subtask result.
type ResultReport struct {
	SubtaskID string                     `json:"subtaskId"`
	AgentID   string                     `json:"agentId"`
	Result    core.RunResult             `json:"result"`
	Report    *credit.ContributionReport `json:"report,omitempty"`
}

// PostResult settles a claimed subtask, optionally accruing credits.
func (c *Client) PostResult(ctx context.Context, report ResultReport) error {
	_, err := c.do(ctx, http.MethodPost, "/result", report, nil)
	return err
}

// SubmitTask enqueues a task at the coordinator.
func (c *Client) SubmitTask(ctx context.Context, t core.Task, subtasks []core.Subtask) (*core.Task, error) {
	var submitted core.Task
	body := map[string]any{"task": t}
	if len(subtasks) > 0 {
		body["subtasks"] = subtasks
	}
	if _, err := c.do(ctx, http.MethodPost, "/task", body, &submitted); err != nil {
		return nil, err
	}
	return &submitted, nil
}

// Gossip delivers one signed gossip message.
func (c *Client) Gossip(ctx context.Context, msg core.GossipMessage) error {
	_, err := c.do(ctx, http.MethodPost, "/gossip", msg, nil)
	return err
}

// Escalate pushes a failed task into the coordinator's waterfall.
func (c *Client) Escalate(ctx context.Context, req core.EscalationRequest) (*core.EscalationResult, error) {
	var result core.EscalationResult
	if _, err := c.do(ctx, http.MethodPost, "/escalate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

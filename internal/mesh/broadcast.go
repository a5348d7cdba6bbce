package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/core"
	"github.com/edgecoder/mesh/internal/identity"
	"github.com/edgecoder/mesh/internal/metrics"
	"github.com/edgecoder/mesh/internal/signing"
)

const gossipPath = "/gossip"

// BroadcastResult counts fan-out outcomes; per-peer failures never
// abort the fan-out.
type BroadcastResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcaster fans signed gossip messages out to every known peer.
// Synchronous broadcasts report {sent, failed}; queued broadcasts run on
// a bounded worker pool and drop when the queue is full.
type Broadcaster struct {
	id         *identity.Identity
	registry   *Registry
	httpClient *http.Client
	logger     *log.Logger
	metrics    *metrics.Metrics

	queue chan core.GossipMessage
	wg    sync.WaitGroup
	once  sync.Once
}

// NewBroadcaster starts a broadcaster with the given worker pool size.
// workers <= 0 defaults to 4.
func NewBroadcaster(id *identity.Identity, registry *Registry, workers int, m *metrics.Metrics) *Broadcaster {
	if workers <= 0 {
		workers = 4
	}
	b := &Broadcaster{
		id:         id,
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[GOSSIP] ", log.LstdFlags),
		metrics:    m,
		queue:      make(chan core.GossipMessage, 256),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Broadcast sends one message to every peer and reports the counts.
func (b *Broadcaster) Broadcast(ctx context.Context, msg core.GossipMessage) BroadcastResult {
	peers := b.registry.List()
	var result BroadcastResult
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range peers {
		if peer.PeerID == b.id.NodeID || peer.CoordinatorURL == "" {
			continue
		}
		wg.Add(1)
		go func(peer core.PeerRecord) {
			defer wg.Done()
			err := b.post(ctx, peer.CoordinatorURL, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				b.logger.Printf("fan-out to %s failed: %v", peer.PeerID, err)
				if b.metrics != nil {
					b.metrics.RecordBroadcast("failed")
				}
				return
			}
			result.Sent++
			if b.metrics != nil {
				b.metrics.RecordBroadcast("sent")
			}
		}(peer)
	}
	wg.Wait()
	return result
}

// Enqueue hands a message to the worker pool, fire-and-forget. A full
// queue drops the message and logs it.
func (b *Broadcaster) Enqueue(msg core.GossipMessage) {
	select {
	case b.queue <- msg:
	default:
		b.logger.Printf("broadcast queue full, dropping %s message %s", msg.Type, msg.ID)
		if b.metrics != nil {
			b.metrics.RecordBroadcast("dropped")
		}
	}
}

func (b *Broadcaster) worker() {
	defer b.wg.Done()
	for msg := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		b.Broadcast(ctx, msg)
		cancel()
	}
}

// Shutdown drains the queue and stops the workers.
func (b *Broadcaster) Shutdown() {
	b.once.Do(func() { close(b.queue) })
	b.wg.Wait()
}

// post delivers one signed gossip message to one peer.
func (b *Broadcaster) post(ctx context.Context, baseURL string, msg core.GossipMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := strings.TrimRight(baseURL, "/") + gossipPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	sig, err := signing.SignRequest(b.id, http.MethodPost, gossipPath, body)
	if err != nil {
		return err
	}
	sig.Apply(req.Header, signing.HeaderPeerID)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &peerStatusError{url: url, status: resp.StatusCode}
	}
	return nil
}

type peerStatusError struct {
	url    string
	status int
}

func (e *peerStatusError) Error() string {
	return "peer returned " + http.StatusText(e.status) + " for " + e.url
}

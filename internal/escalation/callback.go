package escalation

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/edgecoder/mesh/internal/core"
)

// CallbackSender posts resolution results back to originating
// coordinators: fire-and-forget through a bounded worker pool with a
// drop-on-full policy. Each delivery is capped at 10s.
type CallbackSender struct {
	httpClient *http.Client
	queue      chan callbackJob
	logger     *log.Logger
	wg         sync.WaitGroup
	once       sync.Once
}

type callbackJob struct {
	url    string
	result core.EscalationResult
}

// NewCallbackSender starts the worker pool. workers <= 0 defaults to 2.
func NewCallbackSender(workers int) *CallbackSender {
	if workers <= 0 {
		workers = 2
	}
	s := &CallbackSender{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan callbackJob, 100),
		logger:     log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue hands a callback to the pool. A full queue drops it and logs.
func (s *CallbackSender) Enqueue(url string, result core.EscalationResult) {
	select {
	case s.queue <- callbackJob{url: url, result: result}:
	default:
		s.logger.Printf("callback queue full, dropping result for task %s", result.TaskID)
	}
}

func (s *CallbackSender) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		s.deliver(job)
	}
}

func (s *CallbackSender) deliver(job callbackJob) {
	body, err := json.Marshal(job.result)
	if err != nil {
		s.logger.Printf("failed to marshal callback for task %s: %v", job.result.TaskID, err)
		return
	}
	resp, err := s.httpClient.Post(job.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Printf("callback delivery failed: %s -> %v", job.url, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Printf("callback returned %d: %s (task %s)", resp.StatusCode, job.url, job.result.TaskID)
	}
}

// Shutdown drains the queue and stops the workers.
func (s *CallbackSender) Shutdown() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

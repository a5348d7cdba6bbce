// Package ideprovider exposes the node's local model through an
// OpenAI-compatible surface so editor plugins can point a base URL at
// the mesh. Streaming responses are chunked SSE ending with the
// "[DONE]" sentinel.
package ideprovider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/middleware"
	"github.com/edgecoder/mesh/internal/provider"
)

// streamChunkRunes bounds how much text one SSE chunk carries.
const streamChunkRunes = 48

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// Server is the IDE-facing provider surface.
type Server struct {
	gen     provider.Generator
	catalog *provider.Catalog
}

// NewServer wires the OpenAI-compatible surface over the local model.
func NewServer(gen provider.Generator, catalog *provider.Catalog) *Server {
	return &Server{gen: gen, catalog: catalog}
}

// Router builds the /v1 route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLog, middleware.CORS)
	r.HandleFunc("/v1/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/completions", s.handleChat).Methods(http.MethodPost)
	return r
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := []modelEntry{}
	if s.catalog != nil {
		if models, err := s.catalog.List(r.Context()); err == nil {
			for _, m := range models {
				entries = append(entries, modelEntry{ID: m.Name, Object: "model", OwnedBy: "edgecoder"})
			}
		}
		if len(entries) == 0 {
			entries = append(entries, modelEntry{ID: s.catalog.Status().ActiveModel, Object: "model", OwnedBy: "edgecoder"})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteKind(w, apierr.KindValidation, "messages must not be empty")
		return
	}

	prompt := flattenMessages(req.Messages)
	text, err := s.gen.Generate(r.Context(), prompt)
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstream, "model call failed: "+err.Error())
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	model := req.Model
	if model == "" && s.catalog != nil {
		model = s.catalog.Status().ActiveModel
	}

	if req.Stream {
		s.streamCompletion(w, r, id, created, model, text)
		return
	}

	stop := "stop"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chatChoice{{
			Message:      &chatMessage{Role: "assistant", Content: text},
			FinishReason: &stop,
		}},
	})
}

// streamCompletion writes the completion as an SSE chunk sequence. A
// client disconnect stops the stream mid-way; the sentinel only follows
// a fully delivered completion.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id string, created int64, model, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteKind(w, apierr.KindInternal, "streaming unsupported by connection")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeChunk := func(delta *chatMessage, finish *string) bool {
		payload, err := json.Marshal(chatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
		})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeChunk(&chatMessage{Role: "assistant"}, nil) {
		return
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += streamChunkRunes {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		end := i + streamChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		if !writeChunk(&chatMessage{Content: string(runes[i:end])}, nil) {
			return
		}
	}

	stop := "stop"
	if !writeChunk(&chatMessage{}, &stop) {
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// flattenMessages folds a chat transcript into one prompt for
// single-turn local models.
func flattenMessages(messages []chatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("Instructions: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

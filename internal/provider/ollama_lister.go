package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgecoder/mesh/internal/credit"
)

// OllamaLister enumerates installed models from Ollama's /api/tags.
type OllamaLister struct {
	host       string
	httpClient *http.Client
}

// NewOllamaLister builds a lister for the given Ollama host.
func NewOllamaLister(host string) *OllamaLister {
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaLister{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// paramSizeRe pulls the parameter count out of tags like
// "qwen2.5-coder:1.5b" or details like "7B".
var paramSizeRe = regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*b`)

func (l *OllamaLister) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama tags call failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags returned %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name    string `json:"name"`
			Size    int64  `json:"size"`
			Details struct {
				ParameterSize string `json:"parameter_size"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse ollama tags: %w", err)
	}

	out := make([]ModelInfo, 0, len(body.Models))
	for _, m := range body.Models {
		paramB := parseParamSize(m.Details.ParameterSize)
		if paramB == 0 {
			paramB = parseParamSize(m.Name)
		}
		out = append(out, ModelInfo{
			Name:        m.Name,
			ParamB:      paramB,
			SizeBytes:   m.Size,
			Installed:   true,
			CostCredits: credit.ModelCostCredits(paramB),
		})
	}
	return out, nil
}

func parseParamSize(s string) float64 {
	m := paramSizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}

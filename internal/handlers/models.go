package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/events"
	"github.com/edgecoder/mesh/internal/provider"
)

type swapRequest struct {
	Model      string  `json:"model"`
	ParamSizeB float64 `json:"paramSizeB"`
}

// ModelSwap switches the active model. announce, when set, re-broadcasts
// the node's capability summary after a successful swap.
func ModelSwap(catalog *provider.Catalog, bus events.Emitter, announce func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req swapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.WriteKind(w, apierr.KindValidation, "invalid JSON body")
			return
		}
		if req.Model == "" {
			apierr.WriteKind(w, apierr.KindValidation, "model is required")
			return
		}

		if err := catalog.Swap(r.Context(), req.Model, req.ParamSizeB); err != nil {
			apierr.Write(w, err)
			return
		}
		if bus != nil {
			bus.Emit(events.TypeModelSwapped, req.Model, nil)
		}
		if announce != nil {
			go announce()
		}
		writeJSON(w, http.StatusOK, catalog.Status())
	}
}

// ModelStatus reports the active model and swap state.
func ModelStatus(catalog *provider.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, catalog.Status())
	}
}

// ModelList returns the installed models from the provider.
func ModelList(catalog *provider.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := catalog.List(r.Context())
		if err != nil {
			apierr.WriteKind(w, apierr.KindUpstream, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}

// ModelPullProgress reports in-flight model downloads.
func ModelPullProgress(catalog *provider.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pulls": catalog.PullProgressAll()})
	}
}

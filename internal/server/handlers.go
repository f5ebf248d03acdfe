package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/snapdetect/internal/models"
	"github.com/MeKo-Tech/snapdetect/internal/version"
)

// healthHandler returns server health status. It does not depend on the model.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler reports the readiness gate. It answers 503 until both the
// runtime and the model have resolved.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Phase: "unavailable"})
		return
	}

	resp := s.readyState()
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// readyRetryHandler restarts a failed initialization. It answers 202 when a
// retry was launched and 409 when initialization has not failed.
func (s *Server) readyRetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Phase: "unavailable"})
		return
	}

	ctx := s.initCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.pipeline.Retry(ctx) {
		s.writeJSON(w, http.StatusConflict, s.readyState())
		return
	}
	slog.Info("initialization retry requested", "remote_addr", r.RemoteAddr)
	s.writeJSON(w, http.StatusAccepted, s.readyState())
}

func (s *Server) readyState() ReadyResponse {
	st := s.pipeline.Readiness()
	resp := ReadyResponse{
		Ready:        s.pipeline.Ready(),
		Phase:        st.Phase.String(),
		RuntimeReady: st.RuntimeReady,
		ModelReady:   st.ModelReady,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

// modelsHandler returns information about the known model files.
func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := models.ListAvailableModels()
	list := make([]ModelInfo, len(infos))
	for i, info := range infos {
		list[i] = ModelInfo{
			Name:        info.Name,
			Path:        models.ResolveModelPath("", info.Type, info.Filename),
			Type:        info.Type,
			Description: info.Description,
			URL:         info.URL,
		}
	}

	s.writeJSON(w, http.StatusOK, ModelsResponse{Models: list, Count: len(list)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, DetectResponse{Success: false, Error: message})
}

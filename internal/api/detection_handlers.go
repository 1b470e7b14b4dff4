// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"

	"grimm.is/nds/internal/capture"
	"grimm.is/nds/internal/errors"
	"grimm.is/nds/internal/features"
)

// analyzeRequest is the synchronous inference payload. IPReputation
// defaults to 0.5 (unknown) when the field is absent.
type analyzeRequest struct {
	Features     []float64 `json:"features"`
	IPReputation *float64  `json:"ip_reputation"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Features) != features.Count {
		respondWithError(w, http.StatusUnprocessableEntity,
			errors.Errorf(errors.KindValidation, "expected %d features, got %d",
				features.Count, len(req.Features)).Error())
		return
	}

	rep := 0.5
	if req.IPReputation != nil {
		rep = *req.IPReputation
	}

	result, err := s.pipeline.Analyze(r.Context(), req.Features, rep)
	if err != nil {
		switch errors.GetKind(err) {
		case errors.KindUnavailable:
			respondWithError(w, http.StatusServiceUnavailable, "detection models not loaded")
		case errors.KindValidation:
			payload := map[string]any{"error": err.Error()}
			if attrs := errors.GetAttributes(err); len(attrs) > 0 {
				payload["details"] = attrs
			}
			respondWithJSON(w, http.StatusUnprocessableEntity, payload)
		default:
			s.logger.Error("analyze failed", "error", err)
			respondWithError(w, http.StatusInternalServerError, "analysis failed")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) handleDetectionStatus(w http.ResponseWriter, r *http.Request) {
	models := s.pipeline.ModelStatus()
	status := "running"
	message := "detection pipeline operational"
	if !models.Ready {
		status = "degraded"
		message = "model artifacts missing, inference disabled"
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"models_loaded": models.Ready,
		"artifacts":     models.Artifacts,
		"message":       message,
	})
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.StartCapture(r.Context()); err != nil {
		code := http.StatusInternalServerError
		switch errors.GetKind(err) {
		case errors.KindValidation:
			code = http.StatusConflict
		case errors.KindNotFound:
			code = http.StatusNotFound
		case errors.KindUnavailable:
			code = http.StatusServiceUnavailable
		}
		respondWithError(w, code, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, s.pipeline.CaptureStatus())
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.StopCapture(); err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, s.pipeline.CaptureStatus())
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	status := s.pipeline.CaptureStatus()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"capture":      status,
		"active_flows": s.pipeline.ActiveFlows(),
	})
}

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := capture.ListInterfaces()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"interfaces": ifaces})
}

func (s *Server) handleSetInterface(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interface string `json:"interface"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Interface == "" {
		respondWithError(w, http.StatusBadRequest, "interface name required")
		return
	}
	if err := s.pipeline.SetInterface(req.Interface); err != nil {
		code := http.StatusBadRequest
		if errors.GetKind(err) == errors.KindValidation {
			code = http.StatusConflict
		}
		respondWithError(w, code, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"interface": req.Interface})
}

func (s *Server) handleModelsStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.pipeline.ModelStatus())
}

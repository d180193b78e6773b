package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bosley/hearth/capture"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/surface"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/messages", s.handleSubmit).Methods("POST")
	api.HandleFunc("/messages/{messageID}/play", s.handlePlay).Methods("POST")
	api.HandleFunc("/draft", s.handleDraft).Methods("PUT")
	api.HandleFunc("/recording/start", s.handleStartRecording).Methods("POST")
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods("POST")
	api.HandleFunc("/recording/toggle", s.handleToggleRecording).Methods("POST")
	api.HandleFunc("/playback/stop", s.handleStopPlayback).Methods("POST")
	api.HandleFunc("/history/clear", s.handleClearHistory).Methods("POST")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{deviceID}/control", s.handleControlDevice).Methods("POST")

	router.HandleFunc("/ws", s.hub.handleWebSocket)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	return router
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.surface.Snapshot())
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.surface.Messages())
}

// handleSubmit runs the turn synchronously and answers with the updated log.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.surface.Submit(r.Context(), req.Text)
	switch {
	case errors.Is(err, conversation.ErrBlankMessage):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrBusy), errors.Is(err, surface.ErrUnavailable):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("Failed to submit message", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to submit message")
	default:
		respondJSON(w, http.StatusOK, s.surface.Messages())
	}
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.surface.SetDraft(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	err := s.surface.StartRecording(r.Context())
	switch {
	case errors.Is(err, surface.ErrUnavailable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "microphone permission denied")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "microphone access error")
	default:
		respondJSON(w, http.StatusOK, s.surface.Snapshot())
	}
}

// handleStopRecording queues transcription and the follow-up send; the
// result arrives as events.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	s.queueJob(w, "stop-recording", func(ctx context.Context) error {
		return s.surface.StopRecording(ctx)
	})
}

func (s *Server) handleToggleRecording(w http.ResponseWriter, r *http.Request) {
	if s.surface.Snapshot().State == surface.StateRecording {
		s.handleStopRecording(w, r)
		return
	}
	s.handleStartRecording(w, r)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageID"]

	found := false
	for _, msg := range s.surface.Messages() {
		if msg.ID == messageID {
			found = !msg.IsUser
			break
		}
	}
	if !found {
		respondError(w, http.StatusNotFound, "assistant message not found")
		return
	}

	s.queueJob(w, "play", func(ctx context.Context) error {
		return s.surface.Play(ctx, messageID)
	})
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	s.surface.StopPlayback()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.surface.ClearHistory(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "failed to clear chat history")
		return
	}
	respondJSON(w, http.StatusOK, s.surface.Messages())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		respondError(w, http.StatusNotImplemented, "device control not configured")
		return
	}
	devices, err := s.devices.Devices(r.Context())
	if err != nil {
		s.logger.Error("Failed to list devices", "error", err)
		respondError(w, http.StatusBadGateway, "failed to list devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleControlDevice(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		respondError(w, http.StatusNotImplemented, "device control not configured")
		return
	}
	deviceID := mux.Vars(r)["deviceID"]

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}

	res, err := s.devices.ControlDevice(r.Context(), deviceID, req.Action)
	if err != nil {
		s.logger.Error("Failed to control device", "error", err, "deviceID", deviceID)
		respondError(w, http.StatusBadGateway, "failed to control device")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) queueJob(w http.ResponseWriter, name string, run func(ctx context.Context) error) {
	if err := s.enqueue(name, run); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Job: name})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convomux/convomux/internal/models"
)

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createJobHandler: processing job submission")

	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createJobHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}

	jobID, err := s.deps.Queue.Enqueue(req)
	if err != nil {
		slog.Warn("Server.createJobHandler: enqueue rejected", "error", err)
		writeClassifiedError(w, err)
		return
	}

	slog.Info("Server.createJobHandler: job accepted", "jobID", jobID, "kind", req.Type)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(map[string]string{
		"job_id": jobID,
		"status": "queued",
	}))
}

func (s *Server) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	view, err := s.deps.Queue.Status(jobID)
	if err != nil {
		if models.IsNotFound(err) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
			return
		}
		slog.Error("Server.jobStatusHandler: status lookup failed", "jobID", jobID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) createScheduleHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createScheduleHandler: processing schedule request")

	var req models.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createScheduleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}

	m, err := s.deps.Dispatcher.Schedule(req)
	if err != nil {
		slog.Warn("Server.createScheduleHandler: schedule rejected", "error", err)
		writeClassifiedError(w, err)
		return
	}

	slog.Info("Server.createScheduleHandler: message scheduled", "id", m.ID, "scheduledTime", m.ScheduledTime)
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(m))
}

func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	conversationID := r.URL.Query().Get("conversation_id")
	status := models.ScheduleStatus(r.URL.Query().Get("status"))

	msgs, err := s.deps.Dispatcher.List(userID, conversationID, status)
	if err != nil {
		slog.Error("Server.listSchedulesHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scheduled messages"))
		return
	}
	if msgs == nil {
		msgs = []models.ScheduledMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) cancelScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.deps.Dispatcher.Cancel(id); err != nil {
		slog.Warn("Server.cancelScheduleHandler: cancel rejected", "id", id, "error", err)
		writeClassifiedError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scheduled message cancelled", map[string]string{"id": id}))
}

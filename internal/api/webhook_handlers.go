package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convomux/convomux/internal/models"
)

// signatureHeader carries the HMAC signature on inbound webhooks.
const signatureHeader = "X-Signature"

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	channelType := chi.URLParam(r, "channel")
	slog.Debug("Server.webhookHandler: processing webhook", "channel", channelType)

	adapter, err := s.deps.Registry.Get(channelType)
	if err != nil {
		slog.Warn("Server.webhookHandler: unknown channel", "channel", channelType)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown channel"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if err := adapter.VerifyWebhook(r.Header.Get(signatureHeader), payload); err != nil {
		slog.Warn("Server.webhookHandler: signature rejected", "channel", channelType, "error", err)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid webhook signature"))
		return
	}

	msg, err := adapter.ParseWebhookPayload(payload)
	if err != nil {
		slog.Warn("Server.webhookHandler: malformed payload", "channel", channelType, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed webhook payload"))
		return
	}

	// Providers redeliver webhooks; the message id collapses repeats
	dedupID := channelType + ":" + msg.ID
	recorded, err := s.deps.Dedup.RecordClientID(dedupID, msg.From)
	if err != nil {
		slog.Error("Server.webhookHandler: dedup record failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record message"))
		return
	}
	if !recorded {
		slog.Debug("Server.webhookHandler: duplicate delivery", "channel", channelType, "messageID", msg.ID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate delivery ignored", map[string]bool{"duplicate": true}))
		return
	}

	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.PublishToConversation(msg.From, models.NewEvent(models.EventMessageReceived, msg))
	}

	// Every inbound message gets a sentiment pass automatically
	if msg.Text != "" && s.deps.Queue != nil {
		jobReq := models.JobRequest{
			Type:      models.AnalysisSentiment,
			UserID:    msg.From,
			MessageID: dedupID,
			Content:   msg.Text,
		}
		if _, err := s.deps.Queue.Enqueue(jobReq); err != nil {
			slog.Warn("Server.webhookHandler: sentiment enqueue failed", "messageID", msg.ID, "error", err)
		}
	}

	if err := s.deps.Dedup.MarkProcessed(dedupID); err != nil {
		slog.Warn("Server.webhookHandler: mark processed failed", "messageID", msg.ID, "error", err)
	}

	slog.Info("Server.webhookHandler: message accepted", "channel", channelType, "messageID", msg.ID, "from", msg.From)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"message_id":  msg.ID,
		"received_at": time.Now().UTC(),
	}))
}

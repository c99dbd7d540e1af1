package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/outbox"
)

// syncRequest mirrors the shape submitted by outbox.HTTPSyncer.
type syncRequest struct {
	Entries []syncEntry `json:"entries"`
}

type syncEntry struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ChannelType    string `json:"channel_type"`
}

type syncResponse struct {
	Results []outbox.SyncResult `json:"results"`
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.syncHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	if len(req.Entries) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No entries submitted"))
		return
	}

	results := make([]outbox.SyncResult, 0, len(req.Entries))
	for _, e := range req.Entries {
		results = append(results, s.syncOne(r, e))
	}

	slog.Info("Server.syncHandler: batch processed", "entries", len(req.Entries))
	writeJSONResponse(w, http.StatusOK, syncResponse{Results: results})
}

// syncOne delivers a single outbox entry. Each entry gets exactly one effect:
// the client id is checked before delivery and recorded only after delivery
// succeeds, so a failed attempt stays retryable.
func (s *Server) syncOne(r *http.Request, e syncEntry) outbox.SyncResult {
	if e.ClientID == "" || e.ConversationID == "" || e.Content == "" {
		return outbox.SyncResult{
			ID:      e.ClientID,
			Outcome: outbox.OutcomeRejected,
			Error:   "missing client_id, conversation_id, or content",
		}
	}

	dup, err := s.deps.Dedup.IsDuplicate(e.ClientID)
	if err != nil {
		slog.Error("Server.syncOne: dedup lookup failed", "clientID", e.ClientID, "error", err)
		return outbox.SyncResult{ID: e.ClientID, Outcome: outbox.OutcomeRejected, Retryable: true, Error: "dedup lookup failed"}
	}
	if dup {
		return outbox.SyncResult{ID: e.ClientID, Outcome: outbox.OutcomeDuplicate}
	}

	adapter, err := s.deps.Registry.Get(e.ChannelType)
	if err != nil {
		return outbox.SyncResult{ID: e.ClientID, Outcome: outbox.OutcomeRejected, Error: "unknown channel " + e.ChannelType}
	}

	if _, err := s.deps.Retrier.Send(r.Context(), adapter, e.ConversationID, e.Content, nil); err != nil {
		slog.Warn("Server.syncOne: delivery failed", "clientID", e.ClientID, "error", err)
		return outbox.SyncResult{
			ID:        e.ClientID,
			Outcome:   outbox.OutcomeRejected,
			Retryable: models.IsTransient(err),
			Error:     err.Error(),
		}
	}

	if _, err := s.deps.Dedup.RecordClientID(e.ClientID, e.ConversationID); err != nil {
		slog.Error("Server.syncOne: dedup record failed", "clientID", e.ClientID, "error", err)
	} else if err := s.deps.Dedup.MarkProcessed(e.ClientID); err != nil {
		slog.Warn("Server.syncOne: mark processed failed", "clientID", e.ClientID, "error", err)
	}

	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.PublishToConversation(e.ConversationID, models.NewEvent(models.EventMessageDelivered, map[string]string{
			"client_id":       e.ClientID,
			"conversation_id": e.ConversationID,
		}))
	}
	return outbox.SyncResult{ID: e.ClientID, Outcome: outbox.OutcomeAccepted}
}

package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// DefaultSyncTimeout bounds a single sync round trip.
const DefaultSyncTimeout = 30 * time.Second

// syncRequest is the wire shape submitted to the sync endpoint.
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
	Results []SyncResult `json:"results"`
}

// HTTPSyncer submits outbox batches to a Convomux server's sync endpoint.
type HTTPSyncer struct {
	baseURL   string
	authToken string
	client    *http.Client
}

var _ Syncer = (*HTTPSyncer)(nil)

// NewHTTPSyncer creates a syncer targeting the given server base URL.
func NewHTTPSyncer(baseURL, authToken string) *HTTPSyncer {
	return &HTTPSyncer{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: DefaultSyncTimeout},
	}
}

// Sync posts the batch and decodes per-entry outcomes.
func (s *HTTPSyncer) Sync(ctx context.Context, entries []models.OutboxEntry) ([]SyncResult, error) {
	req := syncRequest{Entries: make([]syncEntry, 0, len(entries))}
	for _, e := range entries {
		req.Entries = append(req.Entries, syncEntry{
			ClientID:       e.ID,
			ConversationID: e.ConversationID,
			Content:        e.Content,
			ChannelType:    e.ChannelType,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sync request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("sync request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, models.Transientf("sync endpoint returned %d", resp.StatusCode)
		}
		return nil, models.Permanentf("sync endpoint returned %d", resp.StatusCode)
	}

	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sync response failed: %w", err)
	}
	return out.Results, nil
}

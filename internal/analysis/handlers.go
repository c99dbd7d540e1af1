package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/queue"
	"github.com/convomux/convomux/internal/store"
)

// RegisterHandlers wires the analysis operations into the job queue.
func RegisterHandlers(q *queue.Queue, c *Client) {
	q.RegisterHandler(models.AnalysisSentiment, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		req, err := decodeRequest(job)
		if err != nil {
			return "", err
		}
		res, err := c.Sentiment(ctx, req.Content)
		if err != nil {
			return "", err
		}
		return encodeResult(res)
	})

	q.RegisterHandler(models.AnalysisCategorize, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		req, err := decodeRequest(job)
		if err != nil {
			return "", err
		}
		res, err := c.Categorize(ctx, req.Content)
		if err != nil {
			return "", err
		}
		return encodeResult(res)
	})

	q.RegisterHandler(models.AnalysisSuggestReply, func(ctx context.Context, job store.AnalysisJob) (string, error) {
		req, err := decodeRequest(job)
		if err != nil {
			return "", err
		}
		res, err := c.SuggestReply(ctx, req.Content, req.ConversationContext)
		if err != nil {
			return "", err
		}
		return encodeResult(res)
	})
}

func decodeRequest(job store.AnalysisJob) (models.JobRequest, error) {
	var req models.JobRequest
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return req, models.Permanentf("malformed job payload: %w", err)
	}
	return req, nil
}

func encodeResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal analysis result failed: %w", err)
	}
	return string(b), nil
}

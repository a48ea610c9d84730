package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tpsview/tpsview/internal/domain/schedule"
)

// Webhook POSTs each change as JSON to a fixed endpoint. Delivery is
// attempted once.
type Webhook struct {
	endpoint string
	client   *http.Client
}

func NewWebhook(endpoint string) *Webhook {
	return &Webhook{endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Event    string                        `json:"event"`
	MRN      string                        `json:"mrn"`
	PlanUID  string                        `json:"plan_uid"`
	ExamDate schedule.Field[schedule.Date] `json:"exam_date"`
	From     schedule.Status               `json:"from"`
	To       schedule.Status               `json:"to"`
	At       time.Time                     `json:"at"`
	Text     string                        `json:"text"`
}

func (w *Webhook) StatusChanged(ctx context.Context, c schedule.StatusChange) error {
	body, err := json.Marshal(webhookPayload{
		Event:    "status.changed",
		MRN:      c.MRN,
		PlanUID:  c.PlanUID,
		ExamDate: c.ExamDate,
		From:     c.From,
		To:       c.To,
		At:       c.At,
		Text:     Message(c),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a change out to every notifier and joins their errors.
type Multi []schedule.Notifier

func (m Multi) StatusChanged(ctx context.Context, c schedule.StatusChange) error {
	var errs []error
	for _, n := range m {
		if err := n.StatusChanged(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/jobstream/internal/journal"
)

// Sink sends journal records to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, rec journal.Record) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	doc := map[string]interface{}{
		"event_type":      rec.EventType,
		"sequence_number": rec.Sequence,
		"job_id":          rec.JobID,
		"occurred_at":     rec.OccurredAt,
		"received_at":     rec.ReceivedAt,
		"payload":         json.RawMessage(rec.Payload),
	}
	b, _ := json.Marshal(doc)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sink) Close() error { return nil }

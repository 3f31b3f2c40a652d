package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/syncbench/internal/history"
)

// Sink indexes events into OpenSearch. Each event is written to
// baseURL/index/_doc/<id> with an id derived from the event, so a retried
// request overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	retries uint64
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		retries: 3,
	}
}

// DocumentID identifies an event within its session.
func DocumentID(e history.Event) string {
	id := fmt.Sprintf("%s-%s-%d-%d", e.Session, e.Type, e.Experiment, e.Workload)
	if e.Identity != "" {
		id += "-" + e.Identity
	}
	return id
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, url.PathEscape(DocumentID(e)))
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("opensearch sink status %d", resp.StatusCode))
		}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx))
}

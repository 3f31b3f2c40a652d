package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MLflow talks to an MLflow tracking server over its REST API. Artifacts are
// uploaded through the server's artifact proxy (mlflow-artifacts:/ URIs) or
// copied when the run's artifact root is a local path.
type MLflow struct {
	base    string
	client  *http.Client
	retries uint64
}

type Option func(*MLflow)

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(m *MLflow) {
		if d > 0 {
			m.client.Timeout = d
		}
	}
}

// WithRetries sets how many times a transient failure is retried. Default: 3.
func WithRetries(n uint64) Option {
	return func(m *MLflow) { m.retries = n }
}

func NewMLflow(uri string, opts ...Option) *MLflow {
	m := &MLflow{
		base:    strings.TrimRight(uri, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: 3,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type apiError struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tracking: %d %s: %s", e.Status, e.Code, e.Message)
}

// payload is a request body with its media type.
type payload struct {
	contentType string
	data        []byte
}

// do sends one request with retries on transport errors and 5xx responses.
func (m *MLflow) do(ctx context.Context, method, endpoint string, body *payload, out any) error {
	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body.data)
		}
		req, err := http.NewRequestWithContext(ctx, method, m.base+endpoint, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", body.contentType)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			ae := &apiError{Status: resp.StatusCode}
			_ = json.Unmarshal(b, ae)
			if resp.StatusCode == http.StatusNotFound || ae.Code == "RESOURCE_DOES_NOT_EXIST" {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrNotFound, ae))
			}
			if resp.StatusCode >= 500 {
				return ae
			}
			return backoff.Permanent(ae)
		}
		if out != nil && len(b) > 0 {
			if err := json.Unmarshal(b, out); err != nil {
				return backoff.Permanent(fmt.Errorf("tracking: decode %s: %w", endpoint, err))
			}
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, m.retries), ctx),
		func(err error, d time.Duration) {
			slog.Debug("Tracking request failed, retrying", "endpoint", endpoint, "error", err, "in", d)
		})
}

func jsonBody(v any) *payload {
	b, _ := json.Marshal(v)
	return &payload{contentType: "application/json", data: b}
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type runResponse struct {
	Run struct {
		Info struct {
			RunID        string `json:"run_id"`
			RunName      string `json:"run_name"`
			Status       string `json:"status"`
			ExperimentID string `json:"experiment_id"`
			ArtifactURI  string `json:"artifact_uri"`
		} `json:"info"`
		Data struct {
			Params []kv `json:"params"`
			Tags   []kv `json:"tags"`
		} `json:"data"`
	} `json:"run"`
}

func (m *MLflow) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r runResponse
	if err := m.do(ctx, http.MethodGet, "/api/2.0/mlflow/runs/get?run_id="+url.QueryEscape(runID), nil, &r); err != nil {
		return nil, err
	}
	info := r.Run.Info
	run := &Run{
		ID:           info.RunID,
		Name:         info.RunName,
		Status:       info.Status,
		ExperimentID: info.ExperimentID,
		ArtifactURI:  info.ArtifactURI,
		Params:       make(map[string]string, len(r.Run.Data.Params)),
	}
	for _, p := range r.Run.Data.Params {
		run.Params[p.Key] = p.Value
	}
	if run.Name == "" {
		for _, t := range r.Run.Data.Tags {
			if t.Key == TagRunName {
				run.Name = t.Value
			}
		}
	}
	return run, nil
}

func (m *MLflow) SetTag(ctx context.Context, runID, key, value string) error {
	body := jsonBody(map[string]string{"run_id": runID, "key": key, "value": value})
	return m.do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/set-tag", body, nil)
}

func (m *MLflow) LogText(ctx context.Context, runID, text, name string) error {
	return m.upload(ctx, runID, name, []byte(text))
}

func (m *MLflow) LogArtifact(ctx context.Context, runID, p string) error {
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return err
	}
	return m.upload(ctx, runID, filepath.Base(p), b)
}

const proxyScheme = "mlflow-artifacts:"

func (m *MLflow) upload(ctx context.Context, runID, name string, data []byte) error {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	root := run.ArtifactURI
	switch {
	case strings.HasPrefix(root, proxyScheme):
		rel := strings.TrimLeft(strings.TrimPrefix(root, proxyScheme), "/")
		endpoint := "/api/2.0/mlflow-artifacts/artifacts/" + path.Join(rel, name)
		return m.do(ctx, http.MethodPut, endpoint, &payload{contentType: "application/octet-stream", data: data}, nil)
	case strings.HasPrefix(root, "file://") || strings.HasPrefix(root, "/"):
		dir := strings.TrimPrefix(root, "file://")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), data, 0o600)
	default:
		return fmt.Errorf("tracking: unsupported artifact location %q", root)
	}
}

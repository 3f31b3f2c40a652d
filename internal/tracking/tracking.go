// Package tracking is the narrow client used to talk to the experiment
// tracking service: fetch a run, tag it, attach logs and artifacts.
package tracking

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when no tracking service is configured.
	ErrUnavailable = errors.New("tracking service unavailable")
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")
)

// Tag keys understood by the tracking service UI.
const (
	TagRunName     = "mlflow.runName"
	TagParentRunID = "mlflow.parentRunId"
)

// Run is the subset of run metadata the scheduler reads.
type Run struct {
	ID           string
	Name         string
	Status       string
	ExperimentID string
	ArtifactURI  string
	Params       map[string]string
}

type Client interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	SetTag(ctx context.Context, runID, key, value string) error
	// LogText stores text as an artifact file called name.
	LogText(ctx context.Context, runID, text, name string) error
	// LogArtifact uploads a local file under its base name.
	LogArtifact(ctx context.Context, runID, path string) error
}

// Nop is used when no tracking URI is configured.
type Nop struct{}

func (Nop) GetRun(context.Context, string) (*Run, error) { return nil, ErrUnavailable }
func (Nop) SetTag(context.Context, string, string, string) error { return ErrUnavailable }
func (Nop) LogText(context.Context, string, string, string) error { return ErrUnavailable }
func (Nop) LogArtifact(context.Context, string, string) error { return ErrUnavailable }

// New returns an MLflow client for uri, or Nop when uri is empty.
func New(uri string, opts ...Option) Client {
	if uri == "" {
		return Nop{}
	}
	return NewMLflow(uri, opts...)
}

package review

import "fmt"

// ErrorKind classifies a degraded pipeline stage.
type ErrorKind string

const (
	// KindNetwork is a transport failure talking to the model.
	KindNetwork ErrorKind = "network"
	// KindParse is a model answer that could not be used.
	KindParse ErrorKind = "parse"
)

// StageError records why a pipeline stage fell back to empty output.
// It never aborts a delivery.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PublishError indicates the comment could not be posted.
// The delivery is still considered processed.
type PublishError struct {
	Owner      string
	Repo       string
	PullNumber int
	Err        error
}

func (e *PublishError) Error() string {
	if e.PullNumber == 0 {
		return fmt.Sprintf("failed to publish comment on %s/%s: %v", e.Owner, e.Repo, e.Err)
	}
	return fmt.Sprintf("failed to publish comment on %s/%s#%d: %v", e.Owner, e.Repo, e.PullNumber, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

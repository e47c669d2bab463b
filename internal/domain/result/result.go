// Package result defines the shapes workers' final results can take and the
// validation the launcher performs before exposing them to the job owner.
package result

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
)

// FortuneSubmission is one worker's answer to a fortune task.
type FortuneSubmission struct {
	WorkerAddress string `json:"worker_address"`
	Solution      string `json:"solution"`
}

// FortuneResult is the full set of reward-task submissions.
type FortuneResult []FortuneSubmission

// Validate requires at least one submission with both fields set.
func (r FortuneResult) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("no submissions")
	}
	var result *multierror.Error
	for i, sub := range r {
		if sub.WorkerAddress == "" {
			result = multierror.Append(result, fmt.Errorf("submission[%d]: worker_address is required", i))
		}
		if sub.Solution == "" {
			result = multierror.Append(result, fmt.Errorf("submission[%d]: solution is required", i))
		}
	}
	return result.ErrorOrNil()
}

// AnnotationResult points at the recorded annotation output.
type AnnotationResult struct {
	URL   string  `json:"url"`
	Hash  string  `json:"hash"`
	Score float64 `json:"score"`
}

// Validate requires the content address to be complete.
func (r AnnotationResult) Validate() error {
	var result *multierror.Error
	if r.URL == "" {
		result = multierror.Append(result, fmt.Errorf("url is required"))
	}
	if r.Hash == "" {
		result = multierror.Append(result, fmt.Errorf("hash is required"))
	}
	if r.Score < 0 || r.Score > 1 {
		result = multierror.Append(result, fmt.Errorf("score must be in [0,1]"))
	}
	return result.ErrorOrNil()
}

// Result is the tagged union over the two known result shapes.
type Result struct {
	Fortune    FortuneResult
	Annotation *AnnotationResult
}

// Decode accepts a raw result document if it validates against either known
// shape. A JSON array is treated as fortune submissions, a JSON object as an
// annotation result. The shape is deliberately not checked against the job's
// request type; downstream consumers accept either shape.
func Decode(raw []byte) (Result, error) {
	var shape any
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrResultValidationFailed, err)
	}

	switch shape.(type) {
	case []any:
		var fr FortuneResult
		if err := json.Unmarshal(raw, &fr); err != nil {
			return Result{}, fmt.Errorf("%w: %v", errs.ErrResultValidationFailed, err)
		}
		if err := fr.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", errs.ErrResultValidationFailed, err)
		}
		return Result{Fortune: fr}, nil
	case map[string]any:
		var ar AnnotationResult
		if err := json.Unmarshal(raw, &ar); err != nil {
			return Result{}, fmt.Errorf("%w: %v", errs.ErrResultValidationFailed, err)
		}
		if err := ar.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", errs.ErrResultValidationFailed, err)
		}
		return Result{Annotation: &ar}, nil
	}
	return Result{}, fmt.Errorf("%w: document matches no known result shape", errs.ErrResultValidationFailed)
}

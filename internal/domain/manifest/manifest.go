// Package manifest defines the content-addressed job descriptions uploaded
// to object storage before an escrow is launched.
//
// Two manifest shapes exist, discriminated explicitly rather than by trial
// validation: a fortune manifest carries its request type at the top level,
// an annotation manifest is recognized by its annotation block.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/internal/domain/job"
)

// TaskType names the annotation flavor of a CVAT manifest.
type TaskType string

const (
	TaskImageLabelBinary TaskType = "IMAGE_LABEL_BINARY"
	TaskImagePoints      TaskType = "IMAGE_POINTS"
	TaskImageBoxes       TaskType = "IMAGE_BOXES"
)

func validTaskType(t TaskType) bool {
	switch t {
	case TaskImageLabelBinary, TaskImagePoints, TaskImageBoxes:
		return true
	}
	return false
}

// Fortune describes a reward-for-text task.
type Fortune struct {
	RequestType          job.RequestType `json:"request_type"`
	SubmissionsRequired  int             `json:"submissions_required"`
	RequesterTitle       string          `json:"requester_title"`
	RequesterDescription string          `json:"requester_description"`
	FundAmount           decimal.Decimal `json:"fund_amount"`
}

// Validate checks the fortune manifest schema.
func (m Fortune) Validate() error {
	var result *multierror.Error
	if m.RequestType != job.RequestTypeFortune {
		result = multierror.Append(result, fmt.Errorf("request_type must be %s", job.RequestTypeFortune))
	}
	if m.SubmissionsRequired <= 0 {
		result = multierror.Append(result, fmt.Errorf("submissions_required must be positive"))
	}
	if m.RequesterTitle == "" {
		result = multierror.Append(result, fmt.Errorf("requester_title is required"))
	}
	if m.RequesterDescription == "" {
		result = multierror.Append(result, fmt.Errorf("requester_description is required"))
	}
	if !m.FundAmount.IsPositive() {
		result = multierror.Append(result, fmt.Errorf("fund_amount must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrManifestValidationFailed, err)
	}
	return nil
}

// Label names one annotation class.
type Label struct {
	Name string `json:"name"`
}

// Cvat describes an image-annotation task.
type Cvat struct {
	Data struct {
		DataURL string `json:"data_url"`
	} `json:"data"`
	Annotation struct {
		Labels      []Label  `json:"labels"`
		Description string   `json:"description"`
		Type        TaskType `json:"type"`
		JobSize     int      `json:"job_size"`
		MaxTime     int      `json:"max_time"`
	} `json:"annotation"`
	Validation struct {
		MinQuality float64 `json:"min_quality"`
		ValSize    int     `json:"val_size"`
		GtURL      string  `json:"gt_url"`
	} `json:"validation"`
	JobBounty decimal.Decimal `json:"job_bounty"`
}

// Validate checks the annotation manifest schema.
func (m Cvat) Validate() error {
	var result *multierror.Error
	if m.Data.DataURL == "" {
		result = multierror.Append(result, fmt.Errorf("data.data_url is required"))
	}
	if len(m.Annotation.Labels) == 0 {
		result = multierror.Append(result, fmt.Errorf("annotation.labels must not be empty"))
	}
	for i, l := range m.Annotation.Labels {
		if l.Name == "" {
			result = multierror.Append(result, fmt.Errorf("annotation.labels[%d].name is required", i))
		}
	}
	if !validTaskType(m.Annotation.Type) {
		result = multierror.Append(result, fmt.Errorf("annotation.type %q is not a known task type", m.Annotation.Type))
	}
	if m.Annotation.JobSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("annotation.job_size must be positive"))
	}
	if m.Annotation.MaxTime <= 0 {
		result = multierror.Append(result, fmt.Errorf("annotation.max_time must be positive"))
	}
	if m.Validation.MinQuality <= 0 || m.Validation.MinQuality > 1 {
		result = multierror.Append(result, fmt.Errorf("validation.min_quality must be in (0,1]"))
	}
	if m.Validation.ValSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("validation.val_size must be positive"))
	}
	if m.Validation.GtURL == "" {
		result = multierror.Append(result, fmt.Errorf("validation.gt_url is required"))
	}
	if !m.JobBounty.IsPositive() {
		result = multierror.Append(result, fmt.Errorf("job_bounty must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrManifestValidationFailed, err)
	}
	return nil
}

// Manifest is the tagged union over the two manifest shapes. Exactly one of
// Fortune/Cvat is set, matching Type.
type Manifest struct {
	Type    job.RequestType
	Fortune *Fortune
	Cvat    *Cvat
}

// Validate dispatches to the variant's schema check.
func (m Manifest) Validate() error {
	switch m.Type {
	case job.RequestTypeFortune:
		if m.Fortune == nil {
			return fmt.Errorf("%w: fortune variant missing", errs.ErrManifestValidationFailed)
		}
		return m.Fortune.Validate()
	case job.RequestTypeCvat:
		if m.Cvat == nil {
			return fmt.Errorf("%w: cvat variant missing", errs.ErrManifestValidationFailed)
		}
		return m.Cvat.Validate()
	}
	return fmt.Errorf("%w: unknown request type %q", errs.ErrManifestValidationFailed, m.Type)
}

// Encode serializes the active variant.
func (m Manifest) Encode() ([]byte, error) {
	switch m.Type {
	case job.RequestTypeFortune:
		return json.Marshal(m.Fortune)
	case job.RequestTypeCvat:
		return json.Marshal(m.Cvat)
	}
	return nil, fmt.Errorf("unknown request type %q", m.Type)
}

// Decode parses raw manifest JSON into the variant declared by requestType
// and validates it against that variant's schema.
func Decode(raw []byte, requestType job.RequestType) (Manifest, error) {
	switch requestType {
	case job.RequestTypeFortune:
		var f Fortune
		if err := json.Unmarshal(raw, &f); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", errs.ErrManifestValidationFailed, err)
		}
		m := Manifest{Type: requestType, Fortune: &f}
		return m, m.Validate()
	case job.RequestTypeCvat:
		var c Cvat
		if err := json.Unmarshal(raw, &c); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", errs.ErrManifestValidationFailed, err)
		}
		m := Manifest{Type: requestType, Cvat: &c}
		return m, m.Validate()
	}
	return Manifest{}, fmt.Errorf("%w: unknown request type %q", errs.ErrManifestValidationFailed, requestType)
}

package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RootModule is the producer recorded on the seed finding of every scan.
const RootModule = "scanengine"

// Finding is one discovered fact. Once published it is owned by the event bus
// and must not be modified by any consumer.
type Finding struct {
	ID           string      `json:"id"`
	Type         FindingType `json:"type"`
	Data         string      `json:"data"`
	Module       string      `json:"module"`
	Source       *Finding    `json:"-"`
	SourceID     string      `json:"source_id,omitempty"`
	Confidence   int         `json:"confidence"`
	Risk         int         `json:"risk"`
	Visibility   int         `json:"visibility"`
	ActualSource string      `json:"actual_source,omitempty"`
	Created      uint64      `json:"created"`
	Generated    time.Time   `json:"generated"`
}

// NewFinding creates a finding with default weighting. The actual source
// defaults to the parent's data.
func NewFinding(t FindingType, data, module string, source *Finding) *Finding {
	f := &Finding{
		Type:       t,
		Data:       data,
		Module:     module,
		Source:     source,
		Confidence: 100,
		Visibility: 100,
		Risk:       0,
	}
	if source != nil {
		f.ActualSource = source.Data
	}
	return f
}

// NewRootFinding creates the seed finding for a scan target
func NewRootFinding(target Target) *Finding {
	return NewFinding(target.Type, target.Value, RootModule, nil)
}

// WithActualSource sets the concrete origin of the finding
func (f *Finding) WithActualSource(src string) *Finding {
	f.ActualSource = src
	return f
}

// WithWeights sets confidence, risk and visibility
func (f *Finding) WithWeights(confidence, risk, visibility int) *Finding {
	f.Confidence = confidence
	f.Risk = risk
	f.Visibility = visibility
	return f
}

// IsRoot reports whether the finding is a scan seed
func (f *Finding) IsRoot() bool {
	return f.Source == nil
}

// Validate checks the fields a publisher controls
func (f *Finding) Validate() error {
	if f.Type == "" || f.Type == Wildcard {
		return &ValidationError{Field: "type", Message: "finding type is required"}
	}
	if f.Data == "" {
		return &ValidationError{Field: "data", Message: "finding data is required"}
	}
	if f.Module == "" {
		return &ValidationError{Field: "module", Message: "producing module is required"}
	}
	for name, v := range map[string]int{"confidence": f.Confidence, "risk": f.Risk, "visibility": f.Visibility} {
		if v < 0 || v > 100 {
			return &ValidationError{Field: name, Message: fmt.Sprintf("must be between 0 and 100, got %d", v)}
		}
	}
	return nil
}

// Clone returns a shallow copy; the parent pointer is shared.
func (f *Finding) Clone() *Finding {
	c := *f
	return &c
}

// Lineage returns the chain from this finding up to the root, nearest first
func (f *Finding) Lineage() []*Finding {
	var chain []*Finding
	for cur := f; cur != nil; cur = cur.Source {
		chain = append(chain, cur)
	}
	return chain
}

// ComputeID derives a stable identifier from the finding's content and parent
func (f *Finding) ComputeID() string {
	h := xxhash.New()
	_, _ = h.WriteString(string(f.Type))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(f.Data)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(f.Module)
	_, _ = h.WriteString("\x00")
	if f.Source != nil {
		_, _ = h.WriteString(f.Source.ID)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ValidationError reports an invalid field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

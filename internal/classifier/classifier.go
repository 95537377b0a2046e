package classifier

import (
	"proctorhub/pkg/types"
)

// Classifier filters raw detections down to the reportable safelist and
// normalizes severities. Classification is pure in-memory computation:
// it never blocks, never errors, and degrades to "no detections" on
// anything unreportable.
type Classifier struct {
	safelist map[string]struct{}
}

// NewClassifier builds a classifier from the configured reportable
// types.
func NewClassifier(safelist []string) *Classifier {
	set := make(map[string]struct{}, len(safelist))
	for _, t := range safelist {
		set[t] = struct{}{}
	}
	return &Classifier{safelist: set}
}

// Classify keeps only detections whose type is on the safelist.
// Detectors legitimately emit informational all-clear signals; those
// are dropped here and must never be persisted. A missing severity
// defaults to medium.
func (c *Classifier) Classify(raw []types.RawDetection) []types.Detection {
	var accepted []types.Detection
	for _, d := range raw {
		if _, ok := c.safelist[d.Type]; !ok {
			continue
		}
		severity := d.Severity
		if !types.IsValidSeverity(severity) {
			severity = types.SeverityMedium
		}
		accepted = append(accepted, types.Detection{
			Type:       d.Type,
			Severity:   severity,
			Confidence: d.Confidence,
			Metadata:   d.Metadata,
		})
	}
	return accepted
}

// Reportable reports whether a single type is on the safelist.
func (c *Classifier) Reportable(eventType string) bool {
	_, ok := c.safelist[eventType]
	return ok
}

// File: internal/agent/detector.go
// Description: Phrase-based completion detection over visible page text,
// gated on a minimum step count so landing pages never read as done.
package agent

import (
	"strings"

	"go.uber.org/zap"
)

// Detector scans page text for completion evidence. It exists because the
// decision source sometimes keeps clicking past an already-confirmed
// outcome; the detector short-circuits the loop the moment the page itself
// says the job is done.
type Detector struct {
	logger   *zap.Logger
	phrases  []string
	minSteps int
}

// NewDetector creates a detector. phrases are matched case-insensitively;
// minSteps is the number of executed steps required before a match counts.
func NewDetector(logger *zap.Logger, phrases []string, minSteps int) *Detector {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &Detector{
		logger:   logger.Named("detector"),
		phrases:  lowered,
		minSteps: minSteps,
	}
}

// Detect reports whether the page text confirms completion, and which phrase
// matched. Below the step gate it always reports false: confirmation text on
// an early screen (a marketing banner, a previous receipt) is not evidence
// that THIS task finished.
func (d *Detector) Detect(pageText string, stepsExecuted int) (string, bool) {
	if stepsExecuted < d.minSteps {
		return "", false
	}
	lower := strings.ToLower(pageText)
	for _, phrase := range d.phrases {
		if strings.Contains(lower, phrase) {
			d.logger.Info("Completion phrase found on page.",
				zap.String("phrase", phrase), zap.Int("steps", stepsExecuted))
			return phrase, true
		}
	}
	return "", false
}

package canguard

import "fmt"

// AnomalyReason identifies which check rejected a frame. The string values
// double as the anomaly_type recorded in the ledger and alert payloads.
type AnomalyReason string

const (
	ReasonUnknownIdentifier AnomalyReason = "unknown_id"
	ReasonLengthMismatch    AnomalyReason = "dlc_mismatch"
	ReasonPayloadOutOfRange AnomalyReason = "out_of_range"
	ReasonPatternDrift      AnomalyReason = "pattern_deviation"

	// Volumetric reasons, produced by the traffic window rather than the
	// classifier.
	ReasonIdentifierFlood AnomalyReason = "dos_attack"
	ReasonBusSaturation   AnomalyReason = "bus_saturation"
	ReasonIdentifierRate  AnomalyReason = "identifier_rate"
)

const (
	SeverityWarning  = "WARNING"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Verdict is the outcome of classifying one frame. Admitted verdicts carry
// no reason; rejected ones name the first check that fired.
type Verdict struct {
	Admitted bool
	Reason   AnomalyReason
	Severity string
	Detail   string
}

func admit() Verdict {
	return Verdict{Admitted: true}
}

func reject(reason AnomalyReason, severity, detail string) Verdict {
	return Verdict{Reason: reason, Severity: severity, Detail: detail}
}

// PatternCheck configures the optional payload-drift comparison against the
// learned pattern. Off by default: the stored pattern is captured either
// way, but only consulted when enabled.
type PatternCheck struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxDistance int  `yaml:"max_distance" json:"max_distance"`
}

// Classifier combines the range firewall, the baseline store and the
// per-domain payload bounds into a single ordered decision function.
type Classifier struct {
	firewall  *RangeFirewall
	baselines *BaselineStore
	pattern   PatternCheck
}

func NewClassifier(firewall *RangeFirewall, baselines *BaselineStore, pattern PatternCheck) *Classifier {
	if pattern.MaxDistance <= 0 {
		pattern.MaxDistance = 16
	}
	return &Classifier{firewall: firewall, baselines: baselines, pattern: pattern}
}

// Classify runs the content checks in order, short-circuiting on the first
// match. Every input yields a verdict; there is no error path. A frame with
// no learned baseline skips the baseline checks entirely; absence is not
// an anomaly.
func (c *Classifier) Classify(f Frame) Verdict {
	if !c.firewall.InRange(f.ID) {
		return reject(ReasonUnknownIdentifier, SeverityWarning,
			fmt.Sprintf("identifier 0x%03X outside every configured range", f.ID))
	}

	baseline, known := c.baselines.Lookup(f.ID)
	if known && f.DLC != baseline.DLC {
		return reject(ReasonLengthMismatch, SeverityCritical,
			fmt.Sprintf("dlc %d, baseline expects %d", f.DLC, baseline.DLC))
	}

	if r, ok := c.firewall.Lookup(f.ID); ok && f.DLC >= 1 {
		value := int(f.Payload()[0])
		if value < r.MinValue || value > r.MaxValue {
			return reject(ReasonPayloadOutOfRange, SeverityHigh,
				fmt.Sprintf("%s value %d outside [%d, %d]", r.Domain, value, r.MinValue, r.MaxValue))
		}
	}

	if c.pattern.Enabled && known && f.DLC > 0 {
		payload := f.Payload()
		if d := hammingDistance(payload, baseline.Pattern[:len(payload)]); d > c.pattern.MaxDistance {
			return reject(ReasonPatternDrift, SeverityMedium,
				fmt.Sprintf("payload drifted %d bits from learned pattern", d))
		}
	}

	return admit()
}

// Package detection evaluates enriched events against the loaded rule set
// and emits alerts for matches.
package detection

import (
	"fmt"
	"time"

	"github.com/libresiem/libresiem/pkg/models"
)

// RuleType discriminates how a rule is evaluated.
type RuleType string

const (
	RuleTypeCustom  RuleType = "custom"
	RuleTypeSigma   RuleType = "sigma"
	RuleTypeYara    RuleType = "yara"
	RuleTypeAnomaly RuleType = "anomaly"
)

// Rule is one loaded detection rule. Exactly one of the type-specific
// sections is populated, according to Type.
type Rule struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Severity    string   `yaml:"severity"`
	Enabled     bool     `yaml:"enabled"`
	Tags        []string `yaml:"tags"`

	// ThrottleRaw is the throttle window as written in the rule file,
	// e.g. "5m". Parsed into Throttle during validation.
	ThrottleRaw string        `yaml:"throttle"`
	Throttle    time.Duration `yaml:"-"`

	Type RuleType `yaml:"-"`

	// Condition drives custom rules.
	Condition *Condition `yaml:"condition"`

	// EventType restricts which events the rule sees. Empty matches all.
	EventType string `yaml:"event_type"`

	// Anomaly drives anomaly rules.
	Anomaly *AnomalySpec `yaml:"anomaly"`

	// sigma and yara rules carry their compiled form instead.
	sigma *sigmaRule
	yara  *yaraRule
}

// AnomalySpec describes a statistical baseline check on a feature vector.
type AnomalySpec struct {
	// Fields declares the feature vector. Numeric values feed the baseline
	// directly; categorical values are hashed onto the axis.
	Fields []string `yaml:"fields"`
	// Field is shorthand for a single-entry Fields list.
	Field string `yaml:"field"`
	// ThresholdSigma is the deviation, in standard deviations, beyond
	// which a vector is anomalous. Defaults to 3.
	ThresholdSigma float64 `yaml:"threshold_sigma"`
	// MinSamples is the baseline size required before the rule fires.
	// Defaults to 30.
	MinSamples int `yaml:"min_samples"`
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule is missing an id")
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Severity == "" {
		r.Severity = models.SeverityMedium
	}
	if !models.ValidAlertSeverity(r.Severity) {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.ThrottleRaw != "" {
		d, err := time.ParseDuration(r.ThrottleRaw)
		if err != nil {
			return fmt.Errorf("rule %s: invalid throttle %q: %w", r.ID, r.ThrottleRaw, err)
		}
		r.Throttle = d
	}

	switch r.Type {
	case RuleTypeCustom:
		if r.Condition == nil {
			return fmt.Errorf("rule %s: custom rule without condition", r.ID)
		}
		if err := r.Condition.compile(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	case RuleTypeAnomaly:
		if r.Anomaly == nil {
			return fmt.Errorf("rule %s: anomaly rule without fields", r.ID)
		}
		if r.Anomaly.Field != "" {
			r.Anomaly.Fields = append(r.Anomaly.Fields, r.Anomaly.Field)
			r.Anomaly.Field = ""
		}
		if len(r.Anomaly.Fields) == 0 {
			return fmt.Errorf("rule %s: anomaly rule without fields", r.ID)
		}
		if r.Anomaly.ThresholdSigma <= 0 {
			r.Anomaly.ThresholdSigma = 3
		}
		if r.Anomaly.MinSamples <= 0 {
			r.Anomaly.MinSamples = 30
		}
	case RuleTypeSigma:
		if r.sigma == nil {
			return fmt.Errorf("rule %s: sigma rule not compiled", r.ID)
		}
	case RuleTypeYara:
		if r.yara == nil {
			return fmt.Errorf("rule %s: yara rule not compiled", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	return nil
}

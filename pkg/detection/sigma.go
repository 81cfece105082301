package detection

import (
	"context"
	"fmt"
	"time"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/libresiem/libresiem/pkg/models"
)

// sigmaRule wraps a parsed Sigma rule and its evaluator.
type sigmaRule struct {
	rule sigma.Rule
	eval *evaluator.RuleEvaluator
}

// parseSigmaRule compiles one Sigma rule document into a Rule.
func parseSigmaRule(contents []byte) (*Rule, error) {
	parsed, err := sigma.ParseRule(contents)
	if err != nil {
		return nil, fmt.Errorf("parsing sigma rule: %w", err)
	}

	id := parsed.ID
	if id == "" {
		id = parsed.Title
	}

	r := &Rule{
		ID:          id,
		Name:        parsed.Title,
		Description: parsed.Description,
		Severity:    sigmaLevelToSeverity(parsed.Level),
		Enabled:     true,
		Tags:        parsed.Tags,
		Type:        RuleTypeSigma,
		sigma: &sigmaRule{
			rule: parsed,
			eval: evaluator.ForRule(parsed),
		},
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// matchSigma evaluates the rule against the event. Events are presented to
// the evaluator as a flat field map: data fields at the top level alongside
// the envelope fields Sigma logsources care about.
func (r *Rule) matchSigma(ctx context.Context, event *models.Event) (bool, map[string]any, error) {
	if !r.sigma.logsourceMatches(event) {
		return false, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := r.sigma.eval.Matches(ctx, sigmaEvent(event))
	if err != nil {
		return false, nil, fmt.Errorf("evaluating sigma rule %s: %w", r.ID, err)
	}
	if !result.Match {
		return false, nil, nil
	}

	matched := map[string]any{}
	for search, hit := range result.SearchResults {
		if hit {
			matched["search."+search] = true
		}
	}
	return true, matched, nil
}

// logsourceMatches prunes rules whose logsource names a different product
// or service. Empty logsource fields match everything.
func (s *sigmaRule) logsourceMatches(event *models.Event) bool {
	ls := s.rule.Logsource
	if ls.Service != "" && ls.Service != event.Source {
		return false
	}
	if ls.Product != "" && ls.Product != event.Vendor {
		return false
	}
	return true
}

func sigmaEvent(event *models.Event) map[string]any {
	out := make(map[string]any, len(event.Data)+4)
	for k, v := range event.Data {
		out[k] = v
	}
	out["source"] = event.Source
	out["event_type"] = event.EventType
	out["severity"] = event.Severity
	out["vendor"] = event.Vendor
	return out
}

func sigmaLevelToSeverity(level string) string {
	switch level {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "low", "informational":
		return models.SeverityLow
	default:
		return models.SeverityMedium
	}
}

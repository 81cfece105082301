package detection

import (
	"fmt"
	"time"

	"github.com/hillu/go-yara/v4"

	"github.com/libresiem/libresiem/pkg/models"
)

const yaraScanTimeout = 5 * time.Second

// yaraRule holds a compiled ruleset from one source file.
type yaraRule struct {
	rules *yara.Rules
}

// parseYaraRule compiles a YARA source file into a Rule. The file name
// (without extension) becomes the rule ID.
func parseYaraRule(id string, contents []byte) (*Rule, error) {
	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("creating yara compiler: %w", err)
	}
	if err := compiler.AddString(string(contents), ""); err != nil {
		return nil, fmt.Errorf("compiling yara rules %s: %w", id, err)
	}
	rules, err := compiler.GetRules()
	if err != nil {
		return nil, fmt.Errorf("building yara rules %s: %w", id, err)
	}

	r := &Rule{
		ID:       id,
		Name:     id,
		Severity: models.SeverityHigh,
		Enabled:  true,
		Type:     RuleTypeYara,
		yara:     &yaraRule{rules: rules},
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// yaraTarget selects what to scan: inline content wins, otherwise a path
// to a blob on disk. Events carrying neither are not scannable.
func yaraTarget(event *models.Event) (content, path string) {
	if v, ok := event.Field("data.file.content"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, ""
		}
	}
	if v, ok := event.Field("data.file.path"); ok {
		if s, ok := v.(string); ok && s != "" {
			return "", s
		}
	}
	return "", ""
}

// matchYara scans the event's file content, inline or referenced by path.
// Events without a scannable target never match.
func (r *Rule) matchYara(event *models.Event) (bool, map[string]any, error) {
	content, path := yaraTarget(event)

	var matches yara.MatchRules
	var err error
	switch {
	case content != "":
		err = r.yara.rules.ScanMem([]byte(content), 0, yaraScanTimeout, &matches)
	case path != "":
		err = r.yara.rules.ScanFile(path, 0, yaraScanTimeout, &matches)
	default:
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("yara scan for rule %s: %w", r.ID, err)
	}
	if len(matches) == 0 {
		return false, nil, nil
	}

	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Rule
	}
	return true, map[string]any{"yara_rules": names}, nil
}

package detection

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/libresiem/libresiem/pkg/models"
)

// Condition is a boolean tree over event fields. A node is either a group
// (All or Any) or a leaf comparison (Field, Op, Value). Comparisons against
// a value of the wrong type never match.
type Condition struct {
	All []Condition `yaml:"all,omitempty"`
	Any []Condition `yaml:"any,omitempty"`

	Field string `yaml:"field,omitempty"`
	Op    string `yaml:"op,omitempty"`
	Value any    `yaml:"value,omitempty"`

	re *regexp.Regexp
}

// Supported leaf operators.
var validOps = map[string]struct{}{
	"eq": {}, "ne": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
	"in": {}, "not_in": {}, "contains": {}, "regex": {},
}

// compile validates the tree and precompiles regex leaves.
func (c *Condition) compile() error {
	if len(c.All) > 0 && len(c.Any) > 0 {
		return fmt.Errorf("condition mixes all and any in one node")
	}
	for i := range c.All {
		if err := c.All[i].compile(); err != nil {
			return err
		}
	}
	for i := range c.Any {
		if err := c.Any[i].compile(); err != nil {
			return err
		}
	}
	if len(c.All) > 0 || len(c.Any) > 0 {
		return nil
	}

	if c.Field == "" {
		return fmt.Errorf("condition leaf is missing a field")
	}
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("condition on %s: unknown operator %q", c.Field, c.Op)
	}
	if c.Op == "regex" {
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("condition on %s: regex value must be a string", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		c.re = re
	}
	switch c.Op {
	case "in", "not_in":
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("condition on %s: %s value must be a list", c.Field, c.Op)
		}
	}
	return nil
}

// Eval reports whether the condition holds for the event. MatchedFields
// collects the leaf fields that contributed to the match.
func (c *Condition) Eval(event *models.Event, matched map[string]any) bool {
	if len(c.All) > 0 {
		staged := make(map[string]any)
		for i := range c.All {
			if !c.All[i].Eval(event, staged) {
				return false
			}
		}
		merge(matched, staged)
		return true
	}
	if len(c.Any) > 0 {
		for i := range c.Any {
			staged := make(map[string]any)
			if c.Any[i].Eval(event, staged) {
				merge(matched, staged)
				return true
			}
		}
		return false
	}

	val, ok := event.Field(c.Field)
	if !ok {
		return false
	}
	if !c.compare(val) {
		return false
	}
	if matched != nil {
		matched[c.Field] = val
	}
	return true
}

func (c *Condition) compare(val any) bool {
	switch c.Op {
	case "eq":
		return looseEqual(val, c.Value)
	case "ne":
		return !looseEqual(val, c.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in", "not_in":
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if looseEqual(val, item) {
				found = true
				break
			}
		}
		if c.Op == "in" {
			return found
		}
		return !found
	case "contains":
		s, ok := val.(string)
		sub, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case "regex":
		s, ok := val.(string)
		return ok && c.re != nil && c.re.MatchString(s)
	}
	return false
}

func merge(dst, src map[string]any) {
	if dst == nil {
		return
	}
	for k, v := range src {
		dst[k] = v
	}
}

// looseEqual compares across the numeric types JSON and YAML decode into.
// Uncomparable values (slices, maps) fall back to deep equality so a leaf
// can never panic mid-evaluation.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

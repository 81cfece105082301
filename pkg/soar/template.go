package soar

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/libresiem/libresiem/pkg/models"
)

// checkTemplate parses a param template at load time so broken playbooks
// are rejected before an alert arrives.
func checkTemplate(value string) error {
	_, err := template.New("param").Option("missingkey=error").Parse(value)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	return nil
}

// renderParams expands every param against the alert. Templates address
// the alert as {{ .alert.title }}, {{ .alert.source_event.data.src_ip }}
// and so on. A reference to a missing field fails the action instead of
// substituting an empty string.
func renderParams(params map[string]string, alert *models.Alert) (map[string]string, error) {
	data, err := templateData(alert)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(params))
	for key, value := range params {
		if !strings.Contains(value, "{{") {
			out[key] = value
			continue
		}
		tmpl, err := template.New(key).Option("missingkey=error").Parse(value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		var buf strings.Builder
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		out[key] = buf.String()
	}
	return out, nil
}

// templateData exposes the alert as nested maps so templates can reach
// every field with plain dotted access.
func templateData(alert *models.Alert) (map[string]any, error) {
	raw, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encoding alert for templating: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding alert for templating: %w", err)
	}
	return map[string]any{"alert": m}, nil
}

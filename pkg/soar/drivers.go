package soar

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/libresiem/libresiem/pkg/models"
)

// Driver executes one kind of playbook action. Params arrive fully
// templated.
type Driver interface {
	Name() string
	Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error)
}

// breakerDriver wraps a driver with a circuit breaker so a dead endpoint
// fails fast instead of stalling every playbook run.
type breakerDriver struct {
	inner Driver
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps the driver. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func WithBreaker(d Driver) Driver {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    d.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &breakerDriver{inner: d, cb: cb}
}

func (b *breakerDriver) Name() string { return b.inner.Name() }

func (b *breakerDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Execute(ctx, params, alert)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return string(respBody), nil
}

// WebhookDriver posts the alert to a caller-supplied URL. When a secret
// param is present, the body is signed with HMAC-SHA256.
type WebhookDriver struct {
	client *http.Client
}

// NewWebhookDriver creates the driver.
func NewWebhookDriver() *WebhookDriver {
	return &WebhookDriver{client: &http.Client{}}
}

func (d *WebhookDriver) Name() string { return "webhook" }

// Execute implements Driver. Params: url (required), secret (optional).
func (d *WebhookDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	url := params["url"]
	if url == "" {
		return "", fmt.Errorf("webhook action requires a url param")
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("encoding alert: %w", err)
	}

	headers := map[string]string{}
	if secret := params["secret"]; secret != "" {
		headers["X-LibreSIEM-Signature"] = SignPayload(secret, body)
	}
	return postJSON(ctx, d.client, url, headers, body)
}

// SignPayload returns the hex HMAC-SHA256 of body under the secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// TheHiveDriver opens cases in TheHive.
type TheHiveDriver struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewTheHiveDriver creates the driver for the instance at baseURL.
func NewTheHiveDriver(baseURL, apiKey string) *TheHiveDriver {
	return &TheHiveDriver{
		client:  &http.Client{},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (d *TheHiveDriver) Name() string { return "thehive" }

// Execute implements Driver. Params: title, description (both optional,
// defaulting to the alert's own).
func (d *TheHiveDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	title := params["title"]
	if title == "" {
		title = alert.Title
	}
	description := params["description"]
	if description == "" {
		description = alert.Description
	}

	body, err := json.Marshal(map[string]any{
		"title":       title,
		"description": description,
		"severity":    thehiveSeverity(alert.Severity),
		"tags":        alert.Tags,
		"source":      "libresiem",
		"sourceRef":   alert.ID,
	})
	if err != nil {
		return "", err
	}

	headers := map[string]string{"Authorization": "Bearer " + d.apiKey}
	return postJSON(ctx, d.client, d.baseURL+"/api/case", headers, body)
}

func thehiveSeverity(severity string) int {
	switch severity {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	default:
		return 1
	}
}

// CortexDriver submits observables to a Cortex analyzer.
type CortexDriver struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewCortexDriver creates the driver for the instance at baseURL.
func NewCortexDriver(baseURL, apiKey string) *CortexDriver {
	return &CortexDriver{
		client:  &http.Client{},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (d *CortexDriver) Name() string { return "cortex" }

// Execute implements Driver. Params: analyzer (required), data_type and
// data describing the observable.
func (d *CortexDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	analyzer := params["analyzer"]
	if analyzer == "" {
		return "", fmt.Errorf("cortex action requires an analyzer param")
	}

	body, err := json.Marshal(map[string]any{
		"dataType": params["data_type"],
		"data":     params["data"],
		"message":  alert.Title,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/analyzer/%s/run", d.baseURL, analyzer)
	headers := map[string]string{"Authorization": "Bearer " + d.apiKey}
	return postJSON(ctx, d.client, url, headers, body)
}

// AnsibleDriver runs an ansible playbook with the alert exposed as an
// extra variable.
type AnsibleDriver struct {
	binary string
}

// NewAnsibleDriver creates the driver. binary is the ansible-playbook
// executable.
func NewAnsibleDriver(binary string) *AnsibleDriver {
	return &AnsibleDriver{binary: binary}
}

func (d *AnsibleDriver) Name() string { return "ansible" }

// Execute implements Driver. Params: playbook (required), inventory
// (optional).
func (d *AnsibleDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	playbook := params["playbook"]
	if playbook == "" {
		return "", fmt.Errorf("ansible action requires a playbook param")
	}

	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}

	args := []string{playbook, "--extra-vars", "alert=" + string(alertJSON)}
	if inventory := params["inventory"]; inventory != "" {
		args = append(args, "-i", inventory)
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ansible-playbook: %w: %s", err, truncate(out, 1024))
	}
	return string(out), nil
}

// ScriptDriver runs local executables. Scripts are confined to a base
// directory; a playbook cannot reach outside it.
type ScriptDriver struct {
	dir string
}

// NewScriptDriver creates the driver rooted at dir.
func NewScriptDriver(dir string) *ScriptDriver {
	return &ScriptDriver{dir: dir}
}

func (d *ScriptDriver) Name() string { return "script" }

// Execute implements Driver. Params: path (relative to the scripts
// directory, required), args (optional, space separated). The alert is
// passed on stdin as JSON.
func (d *ScriptDriver) Execute(ctx context.Context, params map[string]string, alert *models.Alert) (string, error) {
	rel := params["path"]
	if rel == "" {
		return "", fmt.Errorf("script action requires a path param")
	}

	full := filepath.Join(d.dir, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(d.dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("script path %q escapes the scripts directory", rel)
	}

	var args []string
	if raw := params["args"]; raw != "" {
		args = strings.Fields(raw)
	}

	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, full, args...)
	cmd.Stdin = bytes.NewReader(alertJSON)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("script %s: %w: %s", rel, err, truncate(out, 1024))
	}
	return string(out), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

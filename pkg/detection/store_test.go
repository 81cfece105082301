package detection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bruteForceRule = `
id: ssh-brute-force
name: SSH brute force
description: Repeated failed SSH logins
severity: high
throttle: 5m
tags: [attack.credential_access]
condition:
  all:
    - field: data.service
      op: eq
      value: sshd
    - field: data.failed_attempts
      op: gte
      value: 5
`

const disabledRule = `
id: noisy-rule
severity: low
enabled: false
condition:
  field: data.action
  op: eq
  value: deny
`

const anomalyRule = `
id: traffic-spike
name: Outbound traffic spike
severity: medium
anomaly:
  field: data.bytes_out
  threshold_sigma: 4
  min_samples: 50
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, contents := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	return dir
}

func TestStoreLoadsRules(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"custom/brute_force.yml": bruteForceRule,
		"custom/disabled.yml":    disabledRule,
		"anomaly/traffic.yml":    anomalyRule,
		"custom/notes.txt":       "not a rule file",
		"custom/broken.yml":      "id: broken\ncondition:\n  field: x\n  op: wat\n  value: 1\n",
	})

	store, err := NewStore(dir)
	require.NoError(t, err)

	snapshot := store.Snapshot()
	require.Len(t, snapshot.Rules, 3) // broken.yml and notes.txt skipped

	brute := snapshot.ByID("ssh-brute-force")
	require.NotNil(t, brute)
	assert.Equal(t, RuleTypeCustom, brute.Type)
	assert.Equal(t, "high", brute.Severity)
	assert.Equal(t, 5*time.Minute, brute.Throttle)
	assert.True(t, brute.Enabled)

	noisy := snapshot.ByID("noisy-rule")
	require.NotNil(t, noisy)
	assert.False(t, noisy.Enabled)
	assert.Equal(t, "noisy-rule", noisy.Name) // name defaults to id

	spike := snapshot.ByID("traffic-spike")
	require.NotNil(t, spike)
	assert.Equal(t, RuleTypeAnomaly, spike.Type)
	// The single-field shorthand folds into the fields list.
	assert.Equal(t, []string{"data.bytes_out"}, spike.Anomaly.Fields)
	assert.Equal(t, 4.0, spike.Anomaly.ThresholdSigma)
	assert.Equal(t, 50, spike.Anomaly.MinSamples)
}

func TestStoreRuleIDDefaultsToFilename(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"custom/port_scan.yml": `
severity: low
condition:
  field: data.action
  op: eq
  value: deny
`,
	})

	store, err := NewStore(dir)
	require.NoError(t, err)
	assert.NotNil(t, store.Snapshot().ByID("port_scan"))
}

func TestStoreMissingDirIsError(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestStoreReloadSwapsSnapshot(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"custom/brute_force.yml": bruteForceRule,
	})

	store, err := NewStore(dir)
	require.NoError(t, err)
	first := store.Snapshot()
	require.Len(t, first.Rules, 1)

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "custom", "second.yml"), []byte(disabledRule), 0o644))
	require.NoError(t, store.Reload())

	assert.Len(t, store.Snapshot().Rules, 2)
	// The old snapshot is untouched.
	assert.Len(t, first.Rules, 1)
}

func TestStoreWatchReloads(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"custom/brute_force.yml": bruteForceRule,
	})

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Watch())
	defer store.Close()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "custom", "second.yml"), []byte(disabledRule), 0o644))

	require.Eventually(t, func() bool {
		return len(store.Snapshot().Rules) == 2
	}, 3*time.Second, 50*time.Millisecond)
}

func TestParseSigmaRule(t *testing.T) {
	rule, err := parseSigmaRule([]byte(`
title: Suspicious wget download
id: sigma-wget
status: experimental
level: high
logsource:
  service: webserver
detection:
  selection:
    method: GET
    path|contains: wget
  condition: selection
`))
	require.NoError(t, err)
	assert.Equal(t, "sigma-wget", rule.ID)
	assert.Equal(t, RuleTypeSigma, rule.Type)
	assert.Equal(t, "high", rule.Severity)
	assert.True(t, rule.Enabled)
}

func TestParseSigmaRuleInvalid(t *testing.T) {
	_, err := parseSigmaRule([]byte("{{{not yaml"))
	assert.Error(t, err)
}

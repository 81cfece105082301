package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestYaraTarget(t *testing.T) {
	e := testEvent()
	content, path := yaraTarget(e)
	assert.Empty(t, content)
	assert.Empty(t, path)

	e.Data["file"] = map[string]any{"path": "/tmp/sample.bin"}
	content, path = yaraTarget(e)
	assert.Empty(t, content)
	assert.Equal(t, "/tmp/sample.bin", path)

	// Inline content wins over a path.
	e.Data["file"] = map[string]any{"content": "MZ...", "path": "/tmp/sample.bin"}
	content, path = yaraTarget(e)
	assert.Equal(t, "MZ...", content)
	assert.Empty(t, path)

	// Non-string values are not scannable.
	e.Data["file"] = map[string]any{"content": 7}
	content, path = yaraTarget(e)
	assert.Empty(t, content)
	assert.Empty(t, path)
}

package sandbox

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
}

func TestExitCodeUnknownErrorIsNegativeOne(t *testing.T) {
	assert.Equal(t, -1, exitCode(errors.New("boom")))
}

func TestReExecPayloadRoundTrips(t *testing.T) {
	p := reExecPayload{
		Spec: HermeticSpec{
			WorkDir: "/sandbox/work",
			Inputs:  map[string]string{"main.go": "/real/main.go"},
			Outputs: []string{"main"},
			TempDir: "/tmp/action-123",
			Env:     map[string]string{"CC": "gcc"},
			Network: NetworkNone,
			Limits:  ResourceLimits{MaxWallTime: 30 * time.Second},
		},
		Argv: []string{"go", "build", "-o", "main", "."},
	}
	raw, err := json.Marshal(p)
	assert.NoError(t, err)

	var got reExecPayload
	assert.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, p, got)
}

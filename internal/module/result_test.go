package module

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultWrite(t *testing.T) {
	r := Succeeded(true, "Compute instance %s with ID %s was created successfully", "test-vm", "fhm000001")
	r.InstanceID = "fhm000001"

	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, map[string]any{
		"changed":     true,
		"failed":      false,
		"msg":         "Compute instance test-vm with ID fhm000001 was created successfully",
		"message":     "Compute instance test-vm with ID fhm000001 was created successfully",
		"instance_id": "fhm000001",
	}, decoded)
	assert.Equal(t, 0, r.ExitCode())
}

func TestFailed(t *testing.T) {
	r := Failed(false, "failed to create compute instance %s: %v", "test-vm", "quota exceeded")
	assert.True(t, r.Failed)
	assert.False(t, r.Changed)
	assert.Equal(t, r.Msg, r.Message)
	assert.Equal(t, 1, r.ExitCode())
}

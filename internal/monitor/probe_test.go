package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `CPU_PCT:12.3
MEM:16777216000 8388608000
DISK:107374182400 53687091200
DOCKER:active
LOAD:0.50 0.75 1.00
UPTIME:123456.78
`

func TestParseProbeOutput_WellFormed(t *testing.T) {
	m, err := parseProbeOutput(sampleOutput)
	require.NoError(t, err)
	assert.InDelta(t, 12.3, m.CPUPercent, 0.001)
	assert.EqualValues(t, 16777216000, m.MemoryTotal)
	assert.EqualValues(t, 8388608000, m.MemoryUsed)
	assert.EqualValues(t, 107374182400, m.DiskTotal)
	assert.EqualValues(t, 53687091200, m.DiskUsed)
	assert.True(t, m.DockerActive)
	assert.InDelta(t, 0.50, m.Load1, 0.001)
	assert.InDelta(t, 0.75, m.Load5, 0.001)
	assert.InDelta(t, 1.00, m.Load15, 0.001)
	assert.InDelta(t, 123456.78, m.UptimeSecs, 0.001)
}

func TestParseProbeOutput_DockerInactive(t *testing.T) {
	out := `CPU_PCT:1.0
MEM:100 50
DISK:100 50
DOCKER:inactive
LOAD:0 0 0
UPTIME:1.0
`
	m, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.False(t, m.DockerActive)
}

func TestParseProbeOutput_MissingField(t *testing.T) {
	_, err := parseProbeOutput("CPU_PCT:1.0\n")
	assert.Error(t, err)
}

func TestParseProbeOutput_MalformedNumber(t *testing.T) {
	out := `CPU_PCT:not-a-number
MEM:100 50
DISK:100 50
DOCKER:active
LOAD:0 0 0
UPTIME:1.0
`
	_, err := parseProbeOutput(out)
	assert.Error(t, err)
}

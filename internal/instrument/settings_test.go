package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkerType(t *testing.T) {
	for _, m := range []MarkerType{MarkerNone, MarkerConstant, MarkerStdout} {
		got, err := ParseMarkerType(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMarkerType("STDOUT")
	require.NoError(t, err)
	assert.Equal(t, MarkerStdout, got)
	_, err = ParseMarkerType("syslog")
	assert.Error(t, err)
}

func TestParseBranchMode(t *testing.T) {
	got, err := ParseBranchMode("loops")
	require.NoError(t, err)
	assert.Equal(t, BranchLoops, got)
	assert.Equal(t, "all", BranchAll.String())
	_, err = ParseBranchMode("some")
	assert.Error(t, err)
}

func TestPipelineOrder(t *testing.T) {
	names := func(s Settings) []string {
		var out []string
		for _, p := range pipeline(s) {
			out = append(out, p.name)
		}
		return out
	}
	assert.Equal(t,
		[]string{"check-marker", "analyze", "placeholder", "branch-points", "entry-points", "set-marker"},
		names(DefaultSettings()))
	assert.Equal(t,
		[]string{"check-marker", "analyze", "placeholder", "loop-points", "handler-entries", "track-arrays", "track-objects", "entry-points", "set-marker"},
		names(Settings{Branches: BranchLoops, HandlerEntries: true, TrackArrays: true, TrackObjects: true}))
}

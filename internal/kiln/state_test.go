package kiln

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	want := []string{"loaded", "patched", "configured", "built", "installed", "failed"}
	for i, s := range []State{StateLoaded, StatePatched, StateConfigured, StateBuilt, StateInstalled, StateFailed} {
		assert.Equal(t, want[i], s.String())
	}
	assert.Equal(t, "unknown", State(42).String())
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateInstalled.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateBuilt.Terminal())
}

func TestStageState(t *testing.T) {
	assert.Equal(t, StateConfigured, stageState(StageConfigure))
	assert.Equal(t, StateBuilt, stageState(StageBuild))
	assert.Equal(t, StateInstalled, stageState(StageInstall))
}

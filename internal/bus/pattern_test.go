package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePatternMatchesWildcardSegment(t *testing.T) {
	m, err := compilePattern("alert.*")
	require.NoError(t, err)
	assert.True(t, m.MatchString("alert.email.urgent"))
	assert.True(t, m.MatchString("alert.x"))
	assert.False(t, m.MatchString("subagent.spawned"))
}

func TestCompilePatternTrailingWildcardMatchesMultipleSegments(t *testing.T) {
	m, err := compilePattern("alert.*")
	require.NoError(t, err)
	assert.True(t, m.MatchString("alert.system.dead_letter"))
	assert.True(t, m.MatchString("alert.email.urgent"))
}

func TestCompilePatternNonTrailingWildcardStaysWithinSegment(t *testing.T) {
	m, err := compilePattern("memory.*.daily_summary")
	require.NoError(t, err)
	assert.True(t, m.MatchString("memory.weekly.daily_summary"))
	assert.False(t, m.MatchString("memory.a.b.daily_summary"))
}

func TestCompilePatternEscapesMetacharacters(t *testing.T) {
	m, err := compilePattern("memory.saved+extra")
	require.NoError(t, err)
	assert.True(t, m.MatchString("memory.saved+extra"))
	assert.False(t, m.MatchString("memory.savedXextra"))
}

func TestCompilePatternExactMatchWithoutWildcard(t *testing.T) {
	m, err := compilePattern("scheduler.task_toggled")
	require.NoError(t, err)
	assert.True(t, m.MatchString("scheduler.task_toggled"))
	assert.False(t, m.MatchString("scheduler.task_toggled.extra"))
}

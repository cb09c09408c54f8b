package apm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorLogGroupsByTypeServiceOp(t *testing.T) {
	log := NewErrorLog()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	log.Record(ErrorEvent{At: base, Type: "transient", Service: "poller", Op: "fetch", Actor: "system", Stack: "stack-1"})
	log.Record(ErrorEvent{At: base.Add(time.Minute), Type: "transient", Service: "poller", Op: "fetch", Actor: "admin", Stack: "stack-2"})
	log.Record(ErrorEvent{At: base, Type: "validation", Service: "engine", Op: "start"})

	groups := log.Groups()
	require.Len(t, groups, 2)

	top := groups[0]
	assert.Equal(t, "transient:poller:fetch", top.Key)
	assert.Equal(t, int64(2), top.Count)
	assert.Equal(t, base, top.FirstSeen)
	assert.Equal(t, base.Add(time.Minute), top.LastSeen)
	assert.Equal(t, []string{"admin", "system"}, top.Actors)
	assert.Equal(t, []string{"stack-1", "stack-2"}, top.Stacks)
}

func TestErrorLogKeepsLastTenStacks(t *testing.T) {
	log := NewErrorLog()
	for i := 0; i < stacksPerGroup+4; i++ {
		log.Record(ErrorEvent{Type: "fatal", Service: "s", Op: "o", Stack: fmt.Sprintf("stack-%d", i)})
	}

	groups := log.Groups()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Stacks, stacksPerGroup)
	assert.Equal(t, "stack-4", groups[0].Stacks[0])
	assert.Equal(t, fmt.Sprintf("stack-%d", stacksPerGroup+3), groups[0].Stacks[stacksPerGroup-1])
}

func TestErrorLogRate(t *testing.T) {
	log := NewErrorLog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Six errors inside the window, one before it.
	for i := 0; i < 6; i++ {
		log.Record(ErrorEvent{At: now.Add(-time.Duration(i*10) * time.Second), Type: "transient", Service: "s", Op: "o"})
	}
	log.Record(ErrorEvent{At: now.Add(-10 * time.Minute), Type: "transient", Service: "s", Op: "o"})

	rate := log.RateSince(now, 2*time.Minute)
	assert.InDelta(t, 3.0, rate, 0.001) // 6 errors / 2 minutes
}

func TestErrorLogRecent(t *testing.T) {
	log := NewErrorLog()
	for i := 0; i < 5; i++ {
		log.Record(ErrorEvent{ID: fmt.Sprintf("e%d", i), Type: "transient", Service: "s", Op: "o"})
	}

	recent := log.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "e3", recent[0].ID)
	assert.Equal(t, "e4", recent[1].ID)
}

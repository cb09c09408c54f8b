package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduledTaskDue(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		task ScheduledTask
		want bool
	}{
		{"never run", ScheduledTask{Enabled: true, Status: TaskStatusScheduled}, true},
		{"due", ScheduledTask{Enabled: true, Status: TaskStatusScheduled, NextRun: &past}, true},
		{"not yet due", ScheduledTask{Enabled: true, Status: TaskStatusScheduled, NextRun: &future}, false},
		{"disabled", ScheduledTask{Enabled: false, Status: TaskStatusScheduled, NextRun: &past}, false},
		{"already running", ScheduledTask{Enabled: true, Status: TaskStatusRunning, NextRun: &past}, false},
		{"cancelled", ScheduledTask{Enabled: true, Status: TaskStatusCancelled, NextRun: &past}, false},
		{"failed but due again", ScheduledTask{Enabled: true, Status: TaskStatusFailed, NextRun: &past}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.Due(now))
		})
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	task := ScheduledTask{RetryDelayBase: time.Minute}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 1 * time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 16 * time.Minute},
		{6, 16 * time.Minute}, // exponent capped
		{10, 16 * time.Minute},
	}
	for _, tt := range tests {
		task.FailureCount = tt.failures
		assert.Equal(t, tt.want, task.RetryDelay(), "failures=%d", tt.failures)
	}
}

func TestRetryDelayDefaultsBase(t *testing.T) {
	task := ScheduledTask{FailureCount: 1}
	assert.Equal(t, time.Minute, task.RetryDelay())
}

func TestTriggerCooldown(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-30 * time.Second)
	old := now.Add(-2 * time.Minute)

	trig := Trigger{Cooldown: time.Minute, LastFired: &recent}
	assert.True(t, trig.InCooldown(now))

	trig.LastFired = &old
	assert.False(t, trig.InCooldown(now))

	assert.False(t, (&Trigger{Cooldown: time.Minute}).InCooldown(now), "never fired")
	assert.False(t, (&Trigger{LastFired: &recent}).InCooldown(now), "no cooldown configured")
}

func TestValidTriggerKind(t *testing.T) {
	assert.True(t, ValidTriggerKind(TriggerRegulatoryChange))
	assert.True(t, ValidTriggerKind(TriggerSystemEvent))
	assert.False(t, ValidTriggerKind(TriggerKind("made_up")))
}

func TestDocumentDedupKey(t *testing.T) {
	d := RegulatoryDocument{SourceID: "sec", ExternalID: "2026-123"}
	assert.Equal(t, "sec/2026-123", d.DedupKey())
}

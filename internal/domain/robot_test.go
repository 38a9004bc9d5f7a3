// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onlineRobot(id string, maxJobs int) *Robot {
	r := NewRobot(id, id, maxJobs)
	r.MarkOnline(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return r
}

func TestRobotAssignRequiresOnline(t *testing.T) {
	r := NewRobot("r1", "robot-one", 2)
	err := r.AssignJob("j1")
	assert.ErrorIs(t, err, ErrRobotNotOnline)
}

func TestRobotCapacityBoundary(t *testing.T) {
	r := onlineRobot("r1", 2)

	require.NoError(t, r.AssignJob("j1"))
	assert.Equal(t, RobotOnline, r.Status)

	require.NoError(t, r.AssignJob("j2"))
	assert.Equal(t, RobotBusy, r.Status, "robot flips Busy at capacity")

	// At exactly max_concurrent_jobs the next assignment fails.
	err := r.AssignJob("j3")
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Len(t, r.CurrentJobs, 2)
}

func TestRobotDuplicateAssignmentRejected(t *testing.T) {
	r := onlineRobot("r1", 3)
	require.NoError(t, r.AssignJob("j1"))
	assert.ErrorIs(t, r.AssignJob("j1"), ErrDuplicateAssignment)
}

func TestRobotCompleteReleasesCapacity(t *testing.T) {
	r := onlineRobot("r1", 1)
	require.NoError(t, r.AssignJob("j1"))
	assert.Equal(t, RobotBusy, r.Status)

	require.NoError(t, r.CompleteJob("j1"))
	assert.Equal(t, RobotOnline, r.Status)
	assert.Empty(t, r.CurrentJobs)

	assert.ErrorIs(t, r.CompleteJob("j1"), ErrNotFound)
}

func TestRobotMarkOfflineReturnsInflight(t *testing.T) {
	r := onlineRobot("r1", 3)
	require.NoError(t, r.AssignJob("j1"))
	require.NoError(t, r.AssignJob("j2"))

	inflight := r.MarkOffline()
	assert.ElementsMatch(t, []string{"j1", "j2"}, inflight)
	assert.Equal(t, RobotOffline, r.Status)
	assert.Empty(t, r.CurrentJobs)
}

func TestRobotCapabilitiesAndUtilization(t *testing.T) {
	r := onlineRobot("r1", 4)
	r.Capabilities = []Capability{CapabilityBrowser, CapabilityDesktop}

	assert.True(t, r.HasCapabilities([]Capability{CapabilityBrowser}))
	assert.True(t, r.HasCapabilities(nil))
	assert.False(t, r.HasCapabilities([]Capability{CapabilityGpu}))

	require.NoError(t, r.AssignJob("j1"))
	assert.InDelta(t, 0.25, r.Utilization(), 1e-9)
}

func TestRobotCloneIsDeep(t *testing.T) {
	r := onlineRobot("r1", 2)
	require.NoError(t, r.AssignJob("j1"))

	c := r.Clone()
	c.CurrentJobs[0] = "mutated"
	assert.Equal(t, "j1", r.CurrentJobs[0])
}

// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// RobotAssignment is an immutable workflow -> default robot binding.
type RobotAssignment struct {
	WorkflowID string
	RobotID    string
	// Priority breaks ties when several assignments exist for the same
	// workflow; higher wins.
	Priority  int
	IsDefault bool
	CreatedAt time.Time
}

// NodeRobotOverride is an immutable per-node routing override within a
// workflow. Either RobotID names a specific robot or RequiredCapabilities
// narrows the eligible set; a populated RobotID takes precedence.
type NodeRobotOverride struct {
	WorkflowID           string
	NodeID               string
	RobotID              string
	RequiredCapabilities []Capability
	// Strict overrides fail selection when the named robot is unavailable
	// instead of falling through to auto-selection.
	Strict bool
	Active bool
}

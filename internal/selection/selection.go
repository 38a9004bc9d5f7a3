// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package selection chooses the robot for a job. Select is a pure function
// of its input: no I/O, no clocks, identical inputs yield identical output.
package selection

import (
	"fmt"
	"sort"

	"github.com/casare-rpa/orchestrator/internal/domain"
)

// Strategy switches the auto-selection scoring.
type Strategy string

const (
	// StrategyCapabilityScore is the default weighted scoring.
	StrategyCapabilityScore Strategy = "capability_score"
	// StrategyLeastLoaded orders purely by utilization.
	StrategyLeastLoaded Strategy = "least_loaded"
)

// Input carries everything Select needs. Robots must be a point-in-time
// snapshot (clones); Select never mutates them.
type Input struct {
	Job         *domain.Job
	NodeID      string
	Robots      []*domain.Robot
	Assignments []domain.RobotAssignment
	Overrides   []domain.NodeRobotOverride
	// Environment is the environment tag requested for the job; empty
	// means no preference.
	Environment string
	Strategy    Strategy
}

// Select returns the chosen robot or domain.ErrNoAvailableRobot.
//
// Priority order, first match wins:
//  1. active node-level override (specific robot, or capability narrowing)
//  2. workflow-level default assignment
//  3. scored auto-selection within the capability-filtered eligible set
func Select(in Input) (*domain.Robot, error) {
	if in.Job == nil {
		return nil, fmt.Errorf("selection input has no job: %w", domain.ErrInvariantViolation)
	}

	candidates := tenantFiltered(in.Robots, in.Job.TenantID)

	// A fixed target robot on the job bypasses scoring entirely.
	if in.Job.TargetRobotID != "" {
		if r := findAvailable(candidates, in.Job.TargetRobotID, nil); r != nil {
			return r, nil
		}
		return nil, fmt.Errorf("target robot %s unavailable: %w", in.Job.TargetRobotID, domain.ErrNoAvailableRobot)
	}

	var requiredCaps []domain.Capability
	if in.NodeID != "" {
		for _, o := range in.Overrides {
			if !o.Active || o.WorkflowID != in.Job.WorkflowID || o.NodeID != in.NodeID {
				continue
			}
			if o.RobotID != "" {
				if r := findAvailable(candidates, o.RobotID, nil); r != nil {
					return r, nil
				}
				if o.Strict {
					return nil, fmt.Errorf("override robot %s unavailable for node %s: %w",
						o.RobotID, in.NodeID, domain.ErrNoAvailableRobot)
				}
				// Non-strict named override falls through to auto-selection.
				break
			}
			requiredCaps = o.RequiredCapabilities
			break
		}
	}

	// Workflow-level default assignment, if currently eligible.
	for _, a := range in.Assignments {
		if !a.IsDefault || a.WorkflowID != in.Job.WorkflowID {
			continue
		}
		if r := findAvailable(candidates, a.RobotID, requiredCaps); r != nil {
			return r, nil
		}
	}

	return autoSelect(in, candidates, requiredCaps)
}

func tenantFiltered(robots []*domain.Robot, tenantID string) []*domain.Robot {
	if tenantID == "" {
		return robots
	}
	var out []*domain.Robot
	for _, r := range robots {
		// Robots without a tenant are shared across the fleet.
		if r.TenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}

func findAvailable(robots []*domain.Robot, id string, caps []domain.Capability) *domain.Robot {
	for _, r := range robots {
		if r.ID == id && r.HasCapacity() && r.HasCapabilities(caps) {
			return r
		}
	}
	return nil
}

type scored struct {
	robot *domain.Robot
	score float64
	util  float64
}

func autoSelect(in Input, candidates []*domain.Robot, requiredCaps []domain.Capability) (*domain.Robot, error) {
	preAssigned := make(map[string]bool)
	for _, a := range in.Assignments {
		if a.WorkflowID == in.Job.WorkflowID && !a.IsDefault {
			preAssigned[a.RobotID] = true
		}
	}

	var ranked []scored
	for _, r := range candidates {
		if r.Status != domain.RobotOnline && r.Status != domain.RobotBusy {
			continue
		}
		if !r.HasCapabilities(requiredCaps) {
			continue
		}
		if !r.HasCapacity() {
			continue
		}
		util := r.Utilization()

		var score float64
		switch in.Strategy {
		case StrategyLeastLoaded:
			score = 1 - util
		default:
			score = 100 // has capacity
			if preAssigned[r.ID] {
				score += 50
			}
			score += 20 * float64(len(requiredCaps))
			score += 30 * (1 - util)
			if in.Environment != "" && r.Environment == in.Environment {
				score += 10
			}
		}
		ranked = append(ranked, scored{robot: r, score: score, util: util})
	}

	if len(ranked) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", in.Job.WorkflowID, domain.ErrNoAvailableRobot)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].util != ranked[j].util {
			return ranked[i].util < ranked[j].util
		}
		return ranked[i].robot.ID < ranked[j].robot.ID
	})
	return ranked[0].robot, nil
}

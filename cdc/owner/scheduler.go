// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package owner

import (
	"sort"

	"github.com/deltaflow-io/deltaflow/cdc/model"
)

// tableAssignment is the owner's view of where every table of one changefeed
// currently lives, derived from the task statuses. A table with a pending add
// operation counts as assigned to avoid double dispatching.
type tableAssignment map[model.TableID]model.CaptureID

// buildAssignment derives the assignment from task statuses. Pending delete
// operations keep the table assigned to the old capture until the processor
// confirms the release, which is what makes hand-offs release-before-accept.
func buildAssignment(taskStatuses map[model.CaptureID]*model.TaskStatus) tableAssignment {
	assignment := make(tableAssignment)
	for captureID, status := range taskStatuses {
		for tableID := range status.Tables {
			assignment[tableID] = captureID
		}
		for tableID, op := range status.Operation {
			if op.Delete && !op.TableApplied() {
				assignment[tableID] = captureID
			}
		}
	}
	return assignment
}

// unassignedTables returns the tables of the changefeed that no capture owns,
// in deterministic order.
func unassignedTables(allTables []model.TableID, assignment tableAssignment) []model.TableID {
	var pending []model.TableID
	for _, tableID := range allTables {
		if _, ok := assignment[tableID]; !ok {
			pending = append(pending, tableID)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending
}

// dispatchTables assigns every pending table to the live capture with the
// fewest tables. Ties break on capture ID so the plan is deterministic.
func dispatchTables(
	pending []model.TableID,
	captures []model.CaptureID,
	workload map[model.CaptureID]int,
) map[model.CaptureID][]model.TableID {
	if len(captures) == 0 {
		return nil
	}
	plan := make(map[model.CaptureID][]model.TableID)
	load := make(map[model.CaptureID]int, len(captures))
	for _, captureID := range captures {
		load[captureID] = workload[captureID]
	}
	for _, tableID := range pending {
		minCapture := captures[0]
		for _, captureID := range captures[1:] {
			if load[captureID] < load[minCapture] ||
				(load[captureID] == load[minCapture] && captureID < minCapture) {
				minCapture = captureID
			}
		}
		plan[minCapture] = append(plan[minCapture], tableID)
		load[minCapture]++
	}
	return plan
}

// rebalancePlan returns the tables every overloaded capture should give up so
// that table counts differ by at most one across live captures. Only
// releases are planned; the freed tables are dispatched to underloaded
// captures by the regular dispatch step, so the plan causes minimal churn.
func rebalancePlan(
	taskStatuses map[model.CaptureID]*model.TaskStatus,
	captures []model.CaptureID,
) map[model.CaptureID][]model.TableID {
	if len(captures) == 0 {
		return nil
	}
	live := make(map[model.CaptureID]struct{}, len(captures))
	for _, captureID := range captures {
		live[captureID] = struct{}{}
	}
	totalTables := 0
	for captureID, status := range taskStatuses {
		if _, ok := live[captureID]; !ok {
			continue
		}
		totalTables += len(status.Tables)
	}
	upperLimit := totalTables / len(captures)
	if totalTables%len(captures) != 0 {
		upperLimit++
	}

	plan := make(map[model.CaptureID][]model.TableID)
	for captureID, status := range taskStatuses {
		if _, ok := live[captureID]; !ok {
			continue
		}
		excess := len(status.Tables) - upperLimit
		if excess <= 0 {
			continue
		}
		tables := make([]model.TableID, 0, len(status.Tables))
		for tableID := range status.Tables {
			tables = append(tables, tableID)
		}
		// victims picked from the high end keep the plan stable across ticks
		sort.Slice(tables, func(i, j int) bool { return tables[i] > tables[j] })
		plan[captureID] = tables[:excess]
	}
	return plan
}

// balanced reports whether no capture owns more than its fair share.
func balanced(taskStatuses map[model.CaptureID]*model.TaskStatus, captures []model.CaptureID) bool {
	return len(rebalancePlan(taskStatuses, captures)) == 0
}

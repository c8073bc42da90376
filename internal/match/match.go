// Package match picks the best candidate task for an agent out of a pool.
// It is a pure function over a snapshot; the lock manager's conditional
// update remains the final arbiter of who actually gets the task.
package match

import (
	"sort"

	"github.com/mistakeknot/conclave/internal/core"
)

// FindEligible returns the best candidate for an agent with the given role
// and skill level, or false when nothing in the pool qualifies.
//
// Eligibility: target role matches, status is created, and the agent's
// level covers the task's level (higher-skill agents fall back to
// lower-level work, never the reverse). Ordering: oldest first; at equal
// age an exact level match beats a fallback match, so seniors don't starve
// juniors of junior work that just arrived alongside senior work.
func FindEligible(role core.Role, level core.SkillLevel, pool []core.Task) (core.Task, bool) {
	eligible := Filter(role, level, pool)
	if len(eligible) == 0 {
		return core.Task{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return exactness(a, level) < exactness(b, level)
	})
	return eligible[0], true
}

// Filter returns every task in the pool the agent is allowed to work on.
func Filter(role core.Role, level core.SkillLevel, pool []core.Task) []core.Task {
	var out []core.Task
	for _, task := range pool {
		if task.Status != core.TaskCreated {
			continue
		}
		if task.TargetRole != role {
			continue
		}
		if !level.Covers(task.SkillLevel) {
			continue
		}
		out = append(out, task)
	}
	return out
}

func exactness(t core.Task, level core.SkillLevel) int {
	if t.SkillLevel == level {
		return 0
	}
	return 1
}

package config

import (
	"sort"
)

// ChangePlan is the minimal set of upstream operations that turns the old
// snapshot's fleet into the new one. Names refer to entries in either
// mcpServers or mcpTemplates.
type ChangePlan struct {
	ToStop    []string // in old, not in new
	ToStart   []string // in new, not in old
	ToRestart []string // in both, params changed
}

// IsEmpty reports whether the plan requires no work.
func (p ChangePlan) IsEmpty() bool {
	return len(p.ToStop) == 0 && len(p.ToStart) == 0 && len(p.ToRestart) == 0
}

// TouchesTemplates reports whether any planned operation concerns a
// template entry of either snapshot.
func (p ChangePlan) TouchesTemplates(old, new *Snapshot) bool {
	for _, name := range p.ToStop {
		if _, ok := old.MCPTemplates[name]; ok {
			return true
		}
	}
	for _, name := range p.ToStart {
		if _, ok := new.MCPTemplates[name]; ok {
			return true
		}
	}
	for _, name := range p.ToRestart {
		if _, ok := new.MCPTemplates[name]; ok {
			return true
		}
	}
	return false
}

// Diff computes the change plan between two snapshots. Disabled entries
// count as absent. Diff(s, s) is empty for every snapshot s.
func Diff(old, new *Snapshot) ChangePlan {
	oldEntries := activeEntries(old)
	newEntries := activeEntries(new)

	var plan ChangePlan
	for name := range oldEntries {
		if _, stillThere := newEntries[name]; !stillThere {
			plan.ToStop = append(plan.ToStop, name)
		}
	}
	for name, params := range newEntries {
		previous, existed := oldEntries[name]
		switch {
		case !existed:
			plan.ToStart = append(plan.ToStart, name)
		case !ParamsEqual(previous, params):
			plan.ToRestart = append(plan.ToRestart, name)
		}
	}

	sort.Strings(plan.ToStop)
	sort.Strings(plan.ToStart)
	sort.Strings(plan.ToRestart)
	return plan
}

func activeEntries(s *Snapshot) map[string]*MCPServerParams {
	entries := make(map[string]*MCPServerParams, len(s.MCPServers)+len(s.MCPTemplates))
	for name, params := range s.MCPServers {
		if !params.Disabled {
			entries[name] = params
		}
	}
	for name, params := range s.MCPTemplates {
		if !params.Disabled {
			entries[name] = params
		}
	}
	return entries
}

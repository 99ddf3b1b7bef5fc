package ebusd

import (
	"sort"
	"strconv"
)

// PollPriorities maps message names to their ebusd poll priority.
// Entries with priority 0 are never stored.
type PollPriorities map[string]int

// PriorityDiff is the result of comparing two poll priority maps.
type PriorityDiff struct {
	// Changed holds entries that are new or whose priority differs.
	Changed PollPriorities

	// Removed holds entries that are no longer polled, with their old priority.
	Removed PollPriorities
}

// Empty reports whether the diff produces no commands.
func (d PriorityDiff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffPollPriorities compares old and new poll priorities.
func DiffPollPriorities(old, next PollPriorities) PriorityDiff {
	d := PriorityDiff{Changed: PollPriorities{}, Removed: PollPriorities{}}
	for name, prio := range next {
		if prev, ok := old[name]; !ok || prev != prio {
			d.Changed[name] = prio
		}
	}
	for name, prio := range old {
		if _, ok := next[name]; !ok {
			d.Removed[name] = prio
		}
	}
	return d
}

// PollCommand is one get command carrying a poll priority.
type PollCommand struct {
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// Payload returns the ebusd get payload for the command ("?N").
func (c PollCommand) Payload() string {
	return "?" + strconv.Itoa(c.Priority)
}

// Commands returns the commands that apply the diff: removals at
// priority 0 first, then new and changed entries. Each group is sorted by
// message name.
func (d PriorityDiff) Commands() []PollCommand {
	cmds := make([]PollCommand, 0, len(d.Removed)+len(d.Changed))
	for _, name := range sortedKeys(d.Removed) {
		cmds = append(cmds, PollCommand{Message: name, Priority: 0})
	}
	for _, name := range sortedKeys(d.Changed) {
		cmds = append(cmds, PollCommand{Message: name, Priority: d.Changed[name]})
	}
	return cmds
}

// Clone returns a copy of the map.
func (p PollPriorities) Clone() PollPriorities {
	out := make(PollPriorities, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func sortedKeys(m PollPriorities) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

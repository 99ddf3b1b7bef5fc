package ebusd

import (
	"fmt"
	"strings"
	"sync"
)

// VariableEntry is one row of the operator-facing variable list.
//
// Keep and PollPriority are the only operator choices; all other fields
// are derived from the message set on every fetch.
type VariableEntry struct {
	MessageName   string `json:"message_name"`
	VariableNames string `json:"variable_names"`
	IdentNames    string `json:"ident_names"`
	Readable      bool   `json:"readable"`
	Writable      bool   `json:"writable"`
	ReadValues    string `json:"read_values,omitempty"`
	Keep          bool   `json:"keep"`
	PollPriority  int    `json:"poll_priority"`
}

// normalize drops operator choices on entries that cannot be read.
func (e *VariableEntry) normalize() {
	if !e.Readable {
		e.Keep = false
		e.PollPriority = 0
	}
}

// VariableList is the ordered variable list of one circuit.
type VariableList []VariableEntry

// Find returns the entry for a message name.
func (l VariableList) Find(name string) (VariableEntry, bool) {
	for _, e := range l {
		if e.MessageName == name {
			return e, true
		}
	}
	return VariableEntry{}, false
}

// PollPriorities returns the entries with a positive poll priority.
func (l VariableList) PollPriorities() PollPriorities {
	out := PollPriorities{}
	for _, e := range l {
		if e.PollPriority > 0 {
			out[e.MessageName] = e.PollPriority
		}
	}
	return out
}

// Kept returns the names of entries that are kept and readable.
func (l VariableList) Kept() []string {
	var out []string
	for _, e := range l {
		if e.Keep && e.Readable {
			out = append(out, e.MessageName)
		}
	}
	return out
}

// Clone returns a deep copy of the list.
func (l VariableList) Clone() VariableList {
	if l == nil {
		return nil
	}
	out := make(VariableList, len(l))
	copy(out, l)
	return out
}

// WithoutReadValues returns a copy with the transient read values cleared.
func (l VariableList) WithoutReadValues() VariableList {
	out := l.Clone()
	for i := range out {
		out[i].ReadValues = ""
	}
	return out
}

// BuildVariableList derives the variable list from a message set.
// Keep and PollPriority are carried forward from stored by message name.
// Messages without fields are skipped and returned by name.
func BuildVariableList(set *MessageSet, stored VariableList, labels LabelOptions) (VariableList, []string) {
	if set == nil {
		return VariableList{}, nil
	}

	prev := make(map[string]VariableEntry, len(stored))
	for _, e := range stored {
		prev[e.MessageName] = e
	}

	list := make(VariableList, 0, set.Len())
	var skipped []string
	for _, msg := range set.Messages() {
		if len(msg.Fields) == 0 {
			skipped = append(skipped, msg.Name)
			continue
		}

		var names, idents []string
		for i, f := range msg.Fields {
			if f.Ignored() {
				continue
			}
			names = append(names, FieldLabel(msg, i, labels))
			idents = append(idents, FieldIdentifier(msg, i))
		}

		e := VariableEntry{
			MessageName:   msg.Name,
			VariableNames: strings.Join(names, "/"),
			IdentNames:    strings.Join(idents, "/"),
			Readable:      msg.Read,
			Writable:      msg.Write,
		}
		if p, ok := prev[msg.Name]; ok {
			e.Keep = p.Keep
			e.PollPriority = p.PollPriority
		}
		e.normalize()
		list = append(list, e)
	}
	return list, skipped
}

// VariableEdit is an operator change to one entry. Nil fields are left
// unchanged.
type VariableEdit struct {
	MessageName  string `json:"message_name"`
	Keep         *bool  `json:"keep,omitempty"`
	PollPriority *int   `json:"poll_priority,omitempty"`
}

// ApplyEdits returns a copy of list with the edits applied. Unreadable
// entries always end up with Keep=false and PollPriority=0.
func ApplyEdits(list VariableList, edits []VariableEdit) (VariableList, error) {
	out := list.Clone()
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.MessageName] = i
	}

	for _, ed := range edits {
		i, ok := index[ed.MessageName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, ed.MessageName)
		}
		if ed.PollPriority != nil && *ed.PollPriority < 0 {
			return nil, fmt.Errorf("%w: %s: %d", ErrInvalidPriority, ed.MessageName, *ed.PollPriority)
		}
		if ed.Keep != nil {
			out[i].Keep = *ed.Keep
		}
		if ed.PollPriority != nil {
			out[i].PollPriority = *ed.PollPriority
		}
	}

	for i := range out {
		out[i].normalize()
	}
	return out, nil
}

// VariableCache holds the variable list derived from one message set
// revision. A lookup with a different revision misses.
type VariableCache struct {
	mu       sync.RWMutex
	revision uint64
	valid    bool
	list     VariableList
}

// Get returns the cached list if it was derived from revision.
func (c *VariableCache) Get(revision uint64) (VariableList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || c.revision != revision {
		return nil, false
	}
	return c.list.Clone(), true
}

// Put stores the list for revision, replacing any previous entry.
func (c *VariableCache) Put(revision uint64, list VariableList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision = revision
	c.list = list.Clone()
	c.valid = true
}

// Invalidate drops the cached list.
func (c *VariableCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.list = nil
}

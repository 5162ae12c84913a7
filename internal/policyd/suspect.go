package policyd

import "time"

// Tags is the typed store for well-known per-session state a plugin chain
// accumulates, plus a free-form map for anything plugin-specific. Keeping
// the well-known fields named (instead of an all-purpose map) follows the
// "typed tag store" guidance: decisions, scan time and incoming port are
// read by the core itself and deserve real fields.
type Tags struct {
	Decisions    []Decision
	ScanTime     string
	IncomingPort int
	Extra        map[string]any
}

// Get returns a plugin-defined tag, or nil if unset.
func (t *Tags) Get(key string) any {
	if t.Extra == nil {
		return nil
	}
	v, ok := t.Extra[key]
	if !ok {
		return nil
	}
	return v
}

// Set stores a plugin-defined tag.
func (t *Tags) Set(key string, value any) {
	if t.Extra == nil {
		t.Extra = make(map[string]any)
	}
	t.Extra[key] = value
}

// AppendDecision records one plugin's contribution. Append-only by
// invariant: nothing in the core ever removes or rewrites an entry.
func (t *Tags) AppendDecision(plugin string, action Action) {
	t.Decisions = append(t.Decisions, Decision{Plugin: plugin, Action: action})
}

// Suspect is the per-request context a Policy Session builds from a parsed
// request and a plugin chain mutates (via Tags) during evaluation. The
// Values map is populated once at construction and never modified by the
// core afterward.
type Suspect struct {
	Values    map[string]string
	Tags      *Tags
	Timestamp time.Time
}

// NewSuspect builds a Suspect from a parsed attribute map. Tags.Decisions
// always starts non-nil but empty, per the construction invariant.
func NewSuspect(values map[string]string) *Suspect {
	return &Suspect{
		Values:    values,
		Tags:      &Tags{Decisions: []Decision{}},
		Timestamp: time.Now(),
	}
}

// GetValue returns one of the MTA-supplied values, or "" with ok=false if
// the key was never sent.
func (s *Suspect) GetValue(key string) (string, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// GetStage is shorthand for GetValue("protocol_state").
func (s *Suspect) GetStage() (string, bool) {
	return s.GetValue("protocol_state")
}

// GetTag returns a plugin-defined tag, or nil if unset.
func (s *Suspect) GetTag(key string) any {
	return s.Tags.Get(key)
}

// String renders a short debug summary, the Go analogue of the source's
// Suspect.__str__.
func (s *Suspect) String() string {
	return "Suspect: decisions=" + formatDecisions(s.Tags.Decisions)
}

func formatDecisions(decisions []Decision) string {
	if len(decisions) == 0 {
		return "[]"
	}
	out := "["
	for i, d := range decisions {
		if i > 0 {
			out += ", "
		}
		out += "(" + d.Plugin + ", " + string(d.Action) + ")"
	}
	return out + "]"
}

package policyd

import "strings"

// Action is a policy verdict drawn from the closed set Postfix understands
// for policy delegation responses. Dunno means "no opinion, continue".
type Action string

const (
	Reject         Action = "reject"
	Defer          Action = "defer"
	DeferIfReject  Action = "defer_if_reject"
	DeferIfPermit  Action = "defer_if_permit"
	Accept         Action = "ok"
	Dunno          Action = "dunno"
	Discard        Action = "discard"
	Filter         Action = "filter"
	Hold           Action = "hold"
	Prepend        Action = "prepend"
	Redirect       Action = "redirect"
	Warn           Action = "warn"
)

// NormalizeAction lowercases and trims a raw plugin return value. An empty
// result (standing in for the source's None/missing return) becomes Dunno;
// anything else is recorded verbatim, even if outside the closed set of
// Action constants above — the chain runner only cares whether it
// equals Dunno for short-circuiting, and the session writes it to the wire
// as-is, matching the literal normalization rule tested in spec.md §8.
func NormalizeAction(raw string) Action {
	a := strings.ToLower(strings.TrimSpace(raw))
	if a == "" {
		return Dunno
	}
	return Action(a)
}

// Verdict is the final (action, argument) pair a session writes to the wire.
type Verdict struct {
	Action   Action
	Argument string
}

// Decision records one plugin's contribution to a session's chain of custody.
type Decision struct {
	Plugin string
	Action Action
}

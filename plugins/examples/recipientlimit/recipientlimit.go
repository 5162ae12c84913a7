// Package recipientlimit is a sample decision plugin: it defers a session
// once recipient_count exceeds a configured threshold. It exists to
// exercise the plugin capability interface end to end, not as a bundled
// production plugin.
package recipientlimit

import (
	"context"
	"strconv"
	"strings"

	"github.com/roadrunner-server/errors"

	"github.com/postomaat/policyd/internal/policyd"
)

func init() {
	policyd.DefaultRegistry.Register("policyd.plugins.examples.RecipientLimit", construct)
}

// Plugin defers a session when the MTA-reported recipient_count exceeds
// the section's configured max option.
type Plugin struct {
	section string
	cfg     *policyd.Config
}

func construct(cfg *policyd.Config, section string) (policyd.Plugin, error) {
	if section == "" {
		section = "RecipientLimit"
	}
	return &Plugin{section: section, cfg: cfg}, nil
}

func (p *Plugin) Section() string { return p.section }

func (p *Plugin) RequiredVars() map[string]policyd.RequiredVar {
	return map[string]policyd.RequiredVar{
		"max": {
			Section:     p.section,
			Default:     "50",
			Description: "maximum recipient_count before deferring",
		},
		"message": {
			Section:     p.section,
			Default:     "too many recipients, please retry later",
			Description: "argument returned with the defer verdict",
		},
	}
}

func (p *Plugin) Examine(_ context.Context, s *policyd.Suspect) (string, string, error) {
	raw, ok := s.GetValue("recipient_count")
	if !ok || raw == "" {
		return "dunno", "", nil
	}

	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "dunno", "", nil
	}

	max := p.cfg.GetIntOr(p.section, "max", 50)
	if count <= max {
		return "dunno", "", nil
	}

	message := p.cfg.GetOr(p.section, "message", "too many recipients, please retry later")
	return "defer", message, nil
}

// Lint validates that max parses as a non-negative integer.
func (p *Plugin) Lint() error {
	const op = errors.Op("recipientlimit_lint")
	raw := p.cfg.GetOr(p.section, "max", "50")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return errors.E(op, errors.Str("max must be an integer: "+raw))
	}
	if n < 0 {
		return errors.E(op, errors.Str("max must not be negative"))
	}
	return nil
}

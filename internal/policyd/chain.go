package policyd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunChain evaluates suspect against chain in order, short-circuiting at
// the first non-Dunno action (spec.md §4.5). An Examine error is logged and
// treated as Dunno for that plugin; the chain continues.
func RunChain(ctx context.Context, log *zap.Logger, suspect *Suspect, chain []Plugin) Verdict {
	start := time.Now()
	verdict := Verdict{Action: Dunno}

	for _, p := range chain {
		name := PluginName(p)

		action, argument, err := examineSafely(ctx, log, p, suspect)
		if err != nil {
			log.Error("plugin examine failed, treating as dunno",
				zap.String("plugin", name), zap.Error(err))
			action, argument = "", ""
		}

		normalized := NormalizeAction(action)
		suspect.Tags.AppendDecision(name, normalized)
		verdict = Verdict{Action: normalized, Argument: argument}

		if normalized != Dunno {
			break
		}
	}

	suspect.Tags.ScanTime = fmt.Sprintf("%.4f", time.Since(start).Seconds())
	return verdict
}

// examineSafely recovers from a plugin panic the way the source catches any
// exception raised by examine() and logs it with a traceback.
func examineSafely(ctx context.Context, log *zap.Logger, p Plugin, s *Suspect) (action, argument string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("plugin examine panicked", zap.String("plugin", PluginName(p)), zap.Any("panic", r))
			action, argument, err = "", "", fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.Examine(ctx, s)
}

package policyd

import (
	"regexp"
	"sync/atomic"

	"go.uber.org/zap"
)

// Validator predicates a single envelope address.
type Validator interface {
	Valid(address string) bool
	Name() string
}

var (
	defaultRe       = regexp.MustCompile(`^[^@]+@[^@]+$`)
	lazyLocalPartRe = regexp.MustCompile(`^[\x00-\x7f]+@[^@]+$`)
)

// defaultValidator allows exactly one '@', matching the historical
// postomaat behavior.
type defaultValidator struct{}

func (defaultValidator) Valid(address string) bool {
	return address != "" && defaultRe.MatchString(address)
}

func (defaultValidator) Name() string { return "Default" }

// lazyLocalPartValidator permits '@' within the local part, trusting that
// Postfix has already stripped quoting and that there is exactly one
// mail address in the string.
type lazyLocalPartValidator struct{}

func (lazyLocalPartValidator) Valid(address string) bool {
	return address != "" && lazyLocalPartRe.MatchString(address)
}

func (lazyLocalPartValidator) Name() string { return "LazyLocalPart" }

// DefaultValidatorInstance and LazyLocalPartValidatorInstance are the two
// concrete, stateless validators selectable by configuration name.
var (
	DefaultValidatorInstance       Validator = defaultValidator{}
	LazyLocalPartValidatorInstance Validator = lazyLocalPartValidator{}
)

// NewValidator resolves a configuration name to a Validator. Unknown names
// fall back to the default validator; the caller is expected to log the
// fallback (NewValidator itself stays side-effect free so it's cheap to
// call from tests).
func NewValidator(name string) (Validator, bool) {
	switch name {
	case "Default":
		return DefaultValidatorInstance, true
	case "LazyLocalPart":
		return LazyLocalPartValidatorInstance, true
	default:
		return DefaultValidatorInstance, false
	}
}

// activeValidator is the process-wide configured validator (Design Notes
// §9: "re-architect as process-wide configured state, initialized at
// startup and re-initialized per worker process"). It's a convenience
// facade only — Sessions take an explicit Validator and don't have to go
// through it.
var activeValidator atomic.Pointer[Validator]

func init() {
	v := DefaultValidatorInstance
	activeValidator.Store(&v)
}

// SetActiveValidator installs the process-wide validator by configuration
// name, logging a warning and falling back to Default on an unknown name.
// Call once at controller startup, and again at the top of each process-pool
// worker's own startup.
func SetActiveValidator(name string, log *zap.Logger) {
	v, ok := NewValidator(name)
	if !ok && log != nil {
		log.Warn("unknown address compliance checker, using default", zap.String("name", name))
	}
	activeValidator.Store(&v)
}

// ActiveValidator returns the current process-wide validator.
func ActiveValidator() Validator {
	return *activeValidator.Load()
}

package policyd

import "github.com/roadrunner-server/errors"

var (
	errPoolClosed      = errors.Str("worker pool is shut down")
	errShutdownTimeout = errors.Str("worker pool shutdown timed out")
)

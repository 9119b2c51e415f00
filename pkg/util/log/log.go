// Package log carries the ambient logger wiring shared across the
// module: a package-level Logger plus small helpers that decorate it
// with request-scoped context (trace ID today; more as needed).
package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide logger CheckFatal writes to. An Executor
// does not use it: one built without Config.Logger logs to a no-op
// logger of its own.
var Logger = log.NewNopLogger()

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err != nil {
		logger := level.Error(Logger)
		if location != "" {
			logger = log.With(logger, "msg", "error "+location)
		}
		logger.Log("err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}

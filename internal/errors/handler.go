package errors

import (
	stderrors "errors"
	"sync"

	"fossibot-bridge/internal/logger"
)

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need a second errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Reporter receives the kind of every handled error. The metrics package
// installs one so handled errors show up as counters.
type Reporter func(kind Kind)

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

// SetReporter installs the process-wide error reporter
func SetReporter(r Reporter) {
	reporterMu.Lock()
	reporter = r
	reporterMu.Unlock()
}

// Handle logs an error according to its severity and reports its kind.
// Nil errors are ignored.
func Handle(err error) {
	if err == nil {
		return
	}

	var be *BridgeError
	if !As(err, &be) {
		logger.LogError("Untyped error: %v", err)
		report(KindUnknown)
		return
	}

	switch be.Severity {
	case SeverityCritical:
		logger.LogError("🔴 CRITICAL %s", be.Error())
	case SeverityError:
		logger.LogError("%s", be.Error())
	case SeverityWarning:
		logger.LogWarn("%s", be.Error())
	default:
		logger.LogInfo("%s", be.Error())
	}

	report(be.Kind)
}

func report(kind Kind) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r != nil {
		r(kind)
	}
}

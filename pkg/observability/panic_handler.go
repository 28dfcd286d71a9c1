package observability

import (
	"runtime/debug"
)

// RecoverPanic keeps a background job alive across a panic in one run. Call
// it directly in a defer:
//
//	defer observability.RecoverPanic(logger, "free period sweeper")
func RecoverPanic(logger *Logger, job string) {
	r := recover()
	if r == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"job":   job,
		"panic": r,
		"stack": string(debug.Stack()),
	}).Error("Recovered panic in background job")
}

// Package httputil provides the JSON, error and middleware helpers shared by
// the HTTP handlers.
//
// Responses:
//
//	httputil.WriteSuccess(w, summary)
//	httputil.WriteBadRequest(w, "invalid signature")
//	httputil.WriteErrorMessage(w, http.StatusForbidden, "quota exceeded")
//
// Requests:
//
//	var req consumeRequest
//	if !httputil.ParseAndValidate(w, r, &req) {
//		return
//	}
//	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
//
// ParseAndValidate runs go-playground/validator over the decoded struct and
// reports failures keyed by JSON field name.
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil

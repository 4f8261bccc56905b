// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, invoice)
//	httputil.WriteBadRequest(w, "quantity must be non-negative")
//
// Error bodies always have the shape {"error": "...", "request_id": "..."}.
//
// # Request Parsing
//
//	var req billing.RecordUsageRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// # Middleware
//
//	router.Use(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1 << 20),
//	)
package httputil

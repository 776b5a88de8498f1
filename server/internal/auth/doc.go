// Package auth provides the optional API-key gate for backupbeacon-server.
//
// APIKeyMiddleware(mode, header, key, next) wraps an http.Handler (the /ws
// endpoint) and rejects requests whose header does not carry key with 401
// before the WebSocket upgrade happens.
//
// APIKeyInterceptor and APIKeyStreamInterceptor do the same for gRPC calls,
// reading the key from the named metadata header.
//
// When mode != "apikey" or key == "", everything passes through (useful for
// local development with auth disabled). Keys are compared in constant time.
package auth

// Package middleware exposes net/http adapters that put the engine's tenant
// binding and principal checks in front of handlers.
//
// # Guards
//
//   - [Tenant] resolves and binds the request tenant.
//   - [Authenticate] verifies the bearer token and stores the principal.
//   - [RequireRole], [RequirePlatformAdmin] and [RequireFreshMFA] gate a
//     route on the stored principal.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not
// parse tokens or touch stores itself; every decision is delegated to the
// Engine, and failures are handed to an [ErrorWriter].
package middleware

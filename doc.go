// Package tenantauth is a tenant-scoped session security core: tenant
// resolution, dedicated data store routing behind a preflight circuit
// breaker, access and refresh tokens with rotation-family reuse detection,
// login risk, and TOTP step-up.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Request pipeline
//
//  1. [Engine.ResolveTenant] picks the tenant from the bearer token, API key,
//     Origin or Host, failing closed when the token and headers disagree.
//  2. [Engine.Bind] routes the tenant to its data store and binds a [Scope]
//     to the request context.
//  3. [Engine.Authenticate] validates the bearer token against the bound
//     tenant, the revocation store and the user's current token version.
//  4. [Engine.Authorize], [Engine.RequirePlatformAdmin] and
//     [Engine.RequireFreshMFA] gate individual operations.
//
// # What this package must NOT do
//
//   - Tell callers why credentials were rejected. Precise reasons go to the
//     log with hashed identifiers.
//   - Import httpapi or the metric exporters (no import cycles).
package tenantauth

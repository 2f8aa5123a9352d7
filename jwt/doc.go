// Package jwt signs and verifies the access, refresh and impersonation tokens
// issued by the session core. Access and refresh tokens carry distinct
// audiences and lifetimes; verification failures are uniform to callers.
package jwt

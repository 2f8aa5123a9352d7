// Package httpapi exposes the engine over HTTP with chi.
//
// Every tenant route runs behind tenant resolution and binding; session
// routes that act on the refresh cookie additionally require the CSRF
// double submit and an allow-listed Origin or Referer. Failures are written
// as {"error": code} using tenantauth.Code, and only 423, 429 and 503
// responses carry Retry-After.
package httpapi

// Package client drives the antbs admin API over HTTP.
//
// It is the library behind antbsctl and covers the endpoints a developer
// touches by hand: immediate builds, rebuilds, package removal, staged
// build reviews, queue resets, transaction reruns, the ISO release
// trigger and the health report.
//
//	client ──POST /api/build_pkg_now──▶ server ──▶ webhook queue
//	       ──POST /pkg_review────────▶        ──▶ staging promotion
//	       ──GET  /healthz───────────▶        ◀── component report
//
// # Authentication
//
// Every request carries the admin api key as a bearer token. The server
// resolves the key to a developer name and requires membership in the
// admin group; the key therefore doubles as the identity behind queued
// work ("admin requested a rebuild of cnchi").
//
// # Responses
//
// The server answers with a {"msg": ...} envelope. Methods return the
// unwrapped message so callers can print it verbatim; HTTP error codes
// become Go errors carrying the server's message when one was sent.
//
// # Usage
//
//	c := client.New("https://build.antergos.com", apiKey)
//	msg, err := c.TriggerBuild(ctx, "cnchi", "lots0logs")
//	if err != nil {
//		return err
//	}
//	fmt.Println(msg)
//
// Health is the one call that tolerates a non-2xx status: an unhealthy
// server answers 503 but still sends the full report, and the caller
// decides what to do with it.
//
// # See Also
//
//   - pkg/api: the server side of every endpoint used here
//   - cmd/antbsctl: the CLI wrapping this package
package client

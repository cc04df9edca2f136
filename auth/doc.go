// Package auth authenticates requests against the credential document.
//
// A Validator accepts OAuth access tokens minted by the authorization engine
// and the static API keys of the authorized users table. Validation is
// read-only: looking a token up never extends, rotates or deletes it.
//
// Authenticate tries the supported schemes in a fixed order:
//
//  1. URL parameters user (or username) together with RAGTAG_API_KEY
//  2. Authorization: Basic
//  3. Authorization: Bearer, first as an OAuth access token or API key,
//     then as base64 encoded user:key
//  4. A Host header of the form <uuid>-<rest>, where the UUID is a user's key
//
// The first scheme present decides the outcome; a failing scheme does not
// fall through to the next one.
//
// Middleware wraps an http.Handler and stores the Principal in the request
// context:
//
//	v := auth.NewValidator(store, logger)
//	mux.Handle("/tools", auth.Middleware(v, logger)(toolsHandler))
package auth

// Package testutil provides fixtures shared by the package tests: a
// controllable clock, seeded in-memory stores and PKCE pairs.
package testutil

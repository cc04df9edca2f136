// Package util holds small string helpers for log output.
package util

// Package observability exposes dispatch metrics and the bench admin API.
package observability

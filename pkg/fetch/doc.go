// Package fetch implements the HTTP downloader used by the download stage.
// Transfers land under a temporary name and rename into place once complete.
// Remote refusals map onto the engine's error types: 429 becomes a
// limit-exhausted error carrying the Retry-After reset time, 401/403 become
// auth errors, and 5xx becomes a retryable network error. An optional
// byte-rate limiter throttles transfer speed.
package fetch

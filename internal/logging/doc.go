// Package logging configures structured log/slog output for indexkeeper.
// Logs are JSON lines written to a size-rotated file under
// ~/.indexkeeper/logs/ and, unless disabled, mirrored to stderr.
package logging

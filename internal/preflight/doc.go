// Package preflight checks that the host and the data directory can support
// index operations: free disk space, writable directories, file descriptor
// limits and role holders that point at open indices.
//
// The doctor command runs every check; restore uses EnsureFreeSpace before
// extracting an archive.
package preflight

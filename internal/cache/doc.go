// Package cache maps logical repository paths onto mezzanine copies stored under
// StoragePath. A Store resolves a path to an Entry according to the configured
// directory Layout; the Entry owns the artifact file (<dir>/image.jpg) and a
// sibling lock file (<dir>.lock) used as a cross-process mutex. Population runs
// fetch + normalize into a temp file and renames it into place, so readers of an
// existing artifact never need the lock. Proxy handlers depend on this package to
// serve cached images or trigger a locked populate without duplicating
// filesystem logic.
package cache

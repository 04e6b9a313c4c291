// Package cleanup deletes files under a root that match an operator-declared
// manifest of exact paths and age-filtered globs.
//
// Rules are evaluated in order. A rule that names anything outside the root
// is rejected as a whole; every other failure is recorded against its path
// and the run continues. A dry run produces the same report without
// touching the filesystem.
package cleanup

// Package pathcheck validates remote paths before any remote command
// or transfer uses them. Every check is pure string work on POSIX-style
// paths; nothing here talks to the cluster.
package pathcheck

import (
	"fmt"
	"path"
	"strings"
)

// SecurityError marks a path rejected by validation. It is always fatal
// to the requested operation and never retried.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("unsafe remote path %q: %s", e.Path, e.Reason)
}

// Validate rejects any remote path that is relative, contains a
// traversal sequence, or escapes the per-user root.
func Validate(p, userRoot string) error {
	if p == "" {
		return &SecurityError{Path: p, Reason: "empty path"}
	}
	if !strings.HasPrefix(p, "/") {
		return &SecurityError{Path: p, Reason: "not absolute"}
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return &SecurityError{Path: p, Reason: "contains traversal sequence"}
		}
	}
	// An @ in the path means a user@host string leaked into path
	// construction somewhere upstream.
	if strings.Contains(p, "@") {
		return &SecurityError{Path: p, Reason: "contains '@'"}
	}
	if !within(p, userRoot) {
		return &SecurityError{Path: p, Reason: fmt.Sprintf("outside user root %s", userRoot)}
	}
	return nil
}

// ValidateDelete additionally requires the path to sit strictly inside
// the jobs root. Deleting the jobs root itself is refused.
func ValidateDelete(p, userRoot, jobsRoot string) error {
	if err := Validate(p, userRoot); err != nil {
		return err
	}
	clean := path.Clean(p)
	if clean == path.Clean(jobsRoot) {
		return &SecurityError{Path: p, Reason: "refusing to delete the jobs root"}
	}
	if !within(p, jobsRoot) {
		return &SecurityError{Path: p, Reason: fmt.Sprintf("outside jobs root %s", jobsRoot)}
	}
	return nil
}

func within(p, root string) bool {
	cp := path.Clean(p)
	cr := path.Clean(root)
	return cp == cr || strings.HasPrefix(cp, cr+"/")
}

// Package submission extracts agent submission descriptors from free-form
// ticket text.
//
// A ticket body carries at most one fenced block describing the agent:
//
//	```yaml
//	repository_url: https://github.com/someone/agent.git
//	commit: abc123
//	```
//
// Extraction is a pure function that reports problems as *ExtractionError
// values instead of panicking, so the caller can echo them back onto the
// ticket.
package submission

import (
	"fmt"
	"regexp"
)

// Descriptor identifies one agent submission.
type Descriptor struct {
	// ID keys the workspace, image and container. Empty when the block does
	// not set one; the caller then assigns it.
	ID string
	// RepositoryURL is the git URL to clone. Always set.
	RepositoryURL string
	// Commit to check out. Empty means the default branch tip.
	Commit string
}

// HasCommit reports whether a commit was pinned.
func (d Descriptor) HasCommit() bool {
	return d.Commit != ""
}

// WithID returns a copy of d with ID set.
func (d Descriptor) WithID(id string) Descriptor {
	d.ID = id
	return d
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateID checks that id can be used in image and container names.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("invalid id %q: must start with a letter or digit and contain only letters, digits, '_', '.' or '-'", id)
	}
	return nil
}

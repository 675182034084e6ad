// Package fragment parses input filenames into their group identity. Input
// files follow the fixed pattern <timestamp>_part<NN>.<ext>; everything before
// the final "_part" marker is the group id, the two-or-more digit index is the
// zero-based part number.
package fragment

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Info is the parsed identity of one input file.
type Info struct {
	GroupID   string
	PartIndex int
	Ext       string
}

// ParseError describes a filename that does not match the fragment pattern.
// Callers log it and skip the file; nothing is ever recorded for it.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable fragment name %q: %s", e.Name, e.Reason)
}

var namePattern = regexp.MustCompile(`^(.+)_part(\d{2,})\.([A-Za-z0-9]+)$`)

// Parse extracts group id and part index from a fragment filename. The path
// may include directories; only the base name is inspected.
func Parse(path string) (Info, error) {
	name := filepath.Base(path)
	if strings.TrimSpace(name) == "" || name == "." || name == string(filepath.Separator) {
		return Info{}, &ParseError{Name: name, Reason: "empty name"}
	}

	matches := namePattern.FindStringSubmatch(name)
	if matches == nil {
		return Info{}, &ParseError{Name: name, Reason: "does not match <timestamp>_part<NN>.<ext>"}
	}

	groupID := matches[1]
	if strings.TrimSpace(groupID) == "" {
		return Info{}, &ParseError{Name: name, Reason: "empty group id"}
	}

	index, err := strconv.Atoi(matches[2])
	if err != nil {
		return Info{}, &ParseError{Name: name, Reason: "part index is not a number"}
	}

	return Info{GroupID: groupID, PartIndex: index, Ext: matches[3]}, nil
}

// Name renders the canonical filename for a fragment. Inverse of Parse for
// indices below 100.
func Name(groupID string, partIndex int, ext string) string {
	return fmt.Sprintf("%s_part%02d.%s", groupID, partIndex, ext)
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package refresh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Revision is a parsed charm revision. Revisions are written either as a
// bare number ("104") or prefixed with the support track ("3.4/104").
type Revision struct {
	Track  string
	Number int
}

// ParseRevision parses a revision string.
func ParseRevision(s string) (Revision, error) {
	track, number := "", s
	if i := strings.LastIndex(s, "/"); i >= 0 {
		track, number = s[:i], s[i+1:]
		if track == "" {
			return Revision{}, errors.NotValidf("revision %q with empty track", s)
		}
	}
	n, err := strconv.Atoi(number)
	if err != nil || n < 0 {
		return Revision{}, errors.NotValidf("revision %q", s)
	}
	return Revision{Track: track, Number: n}, nil
}

// String returns the revision in the form accepted by ParseRevision.
func (r Revision) String() string {
	if r.Track == "" {
		return strconv.Itoa(r.Number)
	}
	return fmt.Sprintf("%s/%d", r.Track, r.Number)
}

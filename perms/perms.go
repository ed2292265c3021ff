// Package perms resolves what a user may do for an agency.
package perms

import (
	"sort"
	"strings"

	"github.com/teranos/databroker/errors"
)

// Capability is a named permission held through an agency affiliation.
type Capability string

const (
	Read   Capability = "reader"
	Write  Capability = "writer"
	Submit Capability = "submitter"
	FABS   Capability = "fabs"
)

// implies lists the capabilities granted along with each one.
var implies = map[Capability][]Capability{
	Write:  {Read},
	Submit: {Write, Read},
	FABS:   {Read},
}

// Set is a set of capabilities.
type Set map[Capability]struct{}

// NewSet builds a set including every implied capability.
func NewSet(caps ...Capability) Set {
	s := make(Set)
	for _, c := range caps {
		s[c] = struct{}{}
		for _, implied := range implies[c] {
			s[implied] = struct{}{}
		}
	}
	return s
}

// ParseSet reads a comma separated capability list.
func ParseSet(list string) (Set, error) {
	var caps []Capability
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c := Capability(name)
		switch c {
		case Read, Write, Submit, FABS:
			caps = append(caps, c)
		default:
			return nil, errors.NewConfigurationError("unknown capability %q", name)
		}
	}
	return NewSet(caps...), nil
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// String renders the set as a sorted comma separated list.
func (s Set) String() string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Agency identifies the agency that owns a submission. FREC is used when CGAC is empty.
type Agency struct {
	CGACCode string
	FRECCode string
}

// Affiliation grants capabilities for one agency.
type Affiliation struct {
	Agency
	Capabilities Set
}

func (a Affiliation) covers(agency Agency) bool {
	if agency.CGACCode != "" {
		return a.CGACCode == agency.CGACCode
	}
	return agency.FRECCode != "" && a.FRECCode == agency.FRECCode
}

// User is an acting user with their affiliations.
type User struct {
	ID           int64
	Name         string
	Email        string
	WebsiteAdmin bool
	Affiliations []Affiliation
}

// Can reports whether the user holds c for agency. Website admins hold everything.
func (u *User) Can(c Capability, agency Agency) bool {
	if u == nil {
		return false
	}
	if u.WebsiteAdmin {
		return true
	}
	for _, a := range u.Affiliations {
		if a.covers(agency) && a.Capabilities.Has(c) {
			return true
		}
	}
	return false
}

// Require returns ErrForbidden unless the user holds c for agency.
func (u *User) Require(c Capability, agency Agency) error {
	if u.Can(c, agency) {
		return nil
	}
	id := int64(0)
	if u != nil {
		id = u.ID
	}
	return errors.Wrapf(errors.ErrForbidden, "user %d lacks %s for agency %s", id, c, agency)
}

func (a Agency) String() string {
	if a.CGACCode != "" {
		return a.CGACCode
	}
	return "frec:" + a.FRECCode
}

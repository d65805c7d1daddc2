// Package runid mints and propagates the run identity shared by every node
// and worker of a fleet run.
//
// The identity is minted once by the run initiator and handed down through
// explicit flags and the process environment. Workers read it back with
// FromEnv and never mint their own.
package runid

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// EnvVar carries the run identity into node agents and evaluation workers.
const EnvVar = "EVALFLEET_RUN_ID"

// Layout is the time layout of a minted run identity (YYYYMMDD_HHMM).
const Layout = "20060102_1504"

// ErrMissing is returned by FromEnv when no run identity was propagated.
var ErrMissing = errors.New("run identity missing from environment")

// ErrInvalid is returned for identities that cannot be embedded in shard names.
var ErrInvalid = errors.New("invalid run identity")

// validPattern admits minted tokens and operator supplied ids that are safe
// to substitute into file names and glob patterns.
var validPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ID is an opaque run identity token.
type ID string

// String returns the token.
func (id ID) String() string { return string(id) }

// Mint returns a new identity derived from now in local time.
func Mint(now time.Time) ID {
	return ID(now.Format(Layout))
}

// Parse validates s as a run identity.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrMissing
	}
	if !validPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(s), nil
}

// FromEnv reads the propagated identity from EnvVar.
func FromEnv() (ID, error) {
	return Parse(os.Getenv(EnvVar))
}

// Time returns the minting time for identities produced by Mint.
func (id ID) Time(loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(Layout, string(id), loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Environ returns the environment entry that propagates id.
func (id ID) Environ() string {
	return EnvVar + "=" + string(id)
}

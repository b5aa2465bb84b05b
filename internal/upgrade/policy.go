package upgrade

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/alekspetrov/warden/internal/config"
)

// Policy limits which newer releases may be installed automatically.
type Policy string

const (
	PolicyOff   Policy = config.PolicyOff
	PolicyExact Policy = config.PolicyExact
	PolicyPatch Policy = config.PolicyPatch
	PolicyMinor Policy = config.PolicyMinor
	PolicyMajor Policy = config.PolicyMajor
)

// canonical adds the "v" prefix semver expects. Anything that still isn't a
// valid semantic version (for example "dev") comes back empty.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// IsRelease reports whether v is a comparable release version.
func IsRelease(v string) bool {
	return canonical(v) != ""
}

// Permits reports whether moving from current to latest is allowed. Builds
// without a release version never update themselves.
func (p Policy) Permits(current, latest, pinned string) (bool, string) {
	cur, lat := canonical(current), canonical(latest)
	switch {
	case p == PolicyOff:
		return false, "policy is off"
	case cur == "":
		return false, fmt.Sprintf("running version %q is not a release", current)
	case lat == "":
		return false, fmt.Sprintf("latest version %q is not a release", latest)
	}

	if p == PolicyExact {
		pin := canonical(pinned)
		if pin == "" {
			return false, "no pinned version"
		}
		if semver.Compare(lat, pin) != 0 {
			return false, fmt.Sprintf("latest %s is not pinned %s", lat, pin)
		}
		if semver.Compare(cur, pin) == 0 {
			return false, "already at pinned version"
		}
		return true, ""
	}

	if semver.Compare(lat, cur) <= 0 {
		return false, "up to date"
	}
	switch p {
	case PolicyPatch:
		if semver.MajorMinor(lat) != semver.MajorMinor(cur) {
			return false, fmt.Sprintf("%s is outside %s.x", lat, semver.MajorMinor(cur))
		}
	case PolicyMinor:
		if semver.Major(lat) != semver.Major(cur) {
			return false, fmt.Sprintf("%s is outside %s.x", lat, semver.Major(cur))
		}
	case PolicyMajor:
	default:
		return false, fmt.Sprintf("unknown policy %q", p)
	}
	return true, ""
}

// Compatible reports whether state written by version from can be restored
// by version running: same major and not older. Non-release builds on either
// side are always compatible.
func Compatible(from, running string) bool {
	f, r := canonical(from), canonical(running)
	if f == "" || r == "" {
		return true
	}
	return semver.Major(f) == semver.Major(r) && semver.Compare(r, f) >= 0
}

// SameRelease reports whether a and b name the same release.
func SameRelease(a, b string) bool {
	ca, cb := canonical(a), canonical(b)
	return ca != "" && ca == cb
}

// Newer reports whether a is a newer release than b.
func Newer(a, b string) bool {
	ca, cb := canonical(a), canonical(b)
	if ca == "" || cb == "" {
		return false
	}
	return semver.Compare(ca, cb) > 0
}

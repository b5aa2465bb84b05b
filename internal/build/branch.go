package build

import (
	"fmt"
	"strings"
)

const (
	branchPrefix = "warden/issue-"
	maxSlug      = 40
)

// BranchName derives the deterministic branch for an issue:
// warden/issue-<n>-<slug>.
func BranchName(number int, title string) string {
	slug := Slugify(title)
	if slug == "" {
		return fmt.Sprintf("%s%d", branchPrefix, number)
	}
	return fmt.Sprintf("%s%d-%s", branchPrefix, number, slug)
}

// Slugify lowercases s and keeps alphanumerics, joining everything else with
// single dashes, at most 40 characters.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	return slug
}

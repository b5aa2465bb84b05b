package gitsync

import (
	"strings"
	"unicode/utf8"
)

// maxSubject is counted in runes.
const maxSubject = 72

// FormatMessage builds a commit message:
//
//	<prefix>: <summary>
//
//	- path: description
//
//	Co-authored-by: Name <email>
func FormatMessage(req Request) string {
	var b strings.Builder

	subject := strings.TrimSpace(strings.SplitN(req.Summary, "\n", 2)[0])
	if subject == "" {
		subject = "update files"
	}
	if req.Prefix != "" {
		subject = req.Prefix + ": " + subject
	}
	if utf8.RuneCountInString(subject) > maxSubject {
		subject = strings.TrimSpace(string([]rune(subject)[:maxSubject-3])) + "..."
	}
	b.WriteString(subject)

	if len(req.Files) > 0 {
		b.WriteString("\n\n")
		for _, f := range req.Files {
			b.WriteString("- ")
			b.WriteString(f.Path)
			if d := strings.TrimSpace(f.Description); d != "" {
				b.WriteString(": ")
				b.WriteString(d)
			}
			b.WriteString("\n")
		}
	}

	if req.CoAuthor != "" {
		if len(req.Files) == 0 {
			b.WriteString("\n")
		}
		b.WriteString("\nCo-authored-by: ")
		b.WriteString(req.CoAuthor)
		b.WriteString("\n")
	}
	return b.String()
}

// NoreplyAuthor formats a GitHub login as a co-author identity.
func NoreplyAuthor(login string) string {
	if login == "" {
		return ""
	}
	return login + " <" + login + "@users.noreply.github.com>"
}

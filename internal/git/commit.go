package git

import (
	"fmt"
	"strings"
	"time"
)

// ChangeKind classifies a single file-level entry of a commit diff.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
	ChangeCopied   ChangeKind = "copied"
	// ChangeUnknown marks a status git reports as valid but that has no dedicated kind (type changes).
	ChangeUnknown ChangeKind = "unknown"
)

// Identity is the name/email/time triple recorded for an author or committer.
type Identity struct {
	Name  string
	Email string
	When  time.Time
}

func (i Identity) String() string {
	if i.Email == "" {
		return i.Name
	}
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

// FileChange is one classified entry of a commit diff.
type FileChange struct {
	Kind ChangeKind
	Path string
	// From holds the source path of renames and copies.
	From string
}

// Commit is a single revision together with its classified file changes.
type Commit struct {
	SHA       string
	Parents   []string
	Author    Identity
	Committer Identity
	Message   string
	Changes   []FileChange
	// Unparsed holds diff entries whose status could not be classified.
	Unparsed []string
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(subject)
}

// parseNameStatus decodes `git diff-tree -z --name-status` output. Entries with a status letter outside
// the known set are returned in unparsed instead of changes.
func parseNameStatus(raw string) (changes []FileChange, unparsed []string) {
	fields := strings.Split(strings.TrimSuffix(raw, "\x00"), "\x00")
	for i := 0; i < len(fields); i++ {
		status := strings.TrimSpace(fields[i])
		if status == "" {
			continue
		}

		code := status[0]
		switch code {
		case 'A', 'M', 'D', 'T':
			if i+1 >= len(fields) {
				unparsed = append(unparsed, status)
				continue
			}
			i++
			changes = append(changes, FileChange{Kind: kindFor(code), Path: fields[i]})
		case 'R', 'C':
			if i+2 >= len(fields) {
				unparsed = append(unparsed, status)
				i = len(fields)
				continue
			}
			changes = append(changes, FileChange{Kind: kindFor(code), From: fields[i+1], Path: fields[i+2]})
			i += 2
		default:
			entry := status
			// Unknown statuses are still followed by one path.
			if i+1 < len(fields) && fields[i+1] != "" {
				i++
				entry = fmt.Sprintf("%s %s", status, fields[i])
			}
			unparsed = append(unparsed, entry)
		}
	}
	return changes, unparsed
}

func kindFor(code byte) ChangeKind {
	switch code {
	case 'A':
		return ChangeAdded
	case 'M':
		return ChangeModified
	case 'D':
		return ChangeDeleted
	case 'R':
		return ChangeRenamed
	case 'C':
		return ChangeCopied
	default:
		return ChangeUnknown
	}
}

// Package labels parses the list-valued action inputs (labels, assignees, reviewers, add-paths) and
// validates the branch names the action is given.
package labels

import (
	"errors"
	"fmt"
	"strings"
)

// ParseList splits raw on commas and newlines, trims every entry and drops empty ones. Duplicates are
// removed case-insensitively; the first spelling and first-seen order win.
func ParseList(raw string) []string {
	return parse(raw, strings.ToLower)
}

// ParsePaths is ParseList for pathspecs: duplicates must match exactly, since "Docs/" and "docs/" are
// different paths on a case-sensitive filesystem.
func ParsePaths(raw string) []string {
	return parse(raw, func(s string) string { return s })
}

func parse(raw string, key func(string) string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	result := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		item := strings.TrimSpace(field)
		if item == "" {
			continue
		}
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		result = append(result, item)
	}
	return result
}

// ParseLogins is ParseList with a leading "@" stripped from every entry, so "@alice" and "alice" collapse.
func ParseLogins(raw string) []string {
	return ParseList(strings.ReplaceAll(raw, "@", ""))
}

// ValidateBranch ensures branch conforms to simple safety checks.
func ValidateBranch(branch string) error {
	if err := validateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch %q: %w", branch, err)
	}
	return nil
}

func validateBranchName(branch string) error {
	if branch == "" {
		return errors.New("branch cannot be empty")
	}

	if strings.ContainsAny(branch, " \t\n\r") {
		return errors.New("branch cannot contain whitespace")
	}

	if strings.Contains(branch, "..") {
		return errors.New("branch cannot contain '..'")
	}

	if strings.ContainsAny(branch, "~^:?*[]@{\\") {
		return errors.New("branch contains forbidden git characters")
	}

	if strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, "/") || strings.HasPrefix(branch, "-") {
		return errors.New("branch has a forbidden prefix or suffix")
	}

	return nil
}

// NormalizeBranch trims whitespace, removes leading/trailing slashes, and strips
// refs/heads prefixes from a branch name. It returns an empty string when the
// normalized branch would otherwise be empty.
func NormalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	if len(branch) >= len("refs/heads/") && strings.EqualFold(branch[:len("refs/heads/")], "refs/heads/") {
		branch = branch[len("refs/heads/"):]
	}

	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	return strings.TrimSpace(branch)
}

package gh

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var disallowedBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// BranchSuffix selects what is appended to the working branch name.
type BranchSuffix string

const (
	SuffixNone            BranchSuffix = ""
	SuffixRandom          BranchSuffix = "random"
	SuffixTimestamp       BranchSuffix = "timestamp"
	SuffixShortCommitHash BranchSuffix = "short-commit-hash"
)

const shortLength = 7

// ParseBranchSuffix validates a branch-suffix input value.
func ParseBranchSuffix(raw string) (BranchSuffix, error) {
	switch s := BranchSuffix(strings.ToLower(strings.TrimSpace(raw))); s {
	case SuffixNone, SuffixRandom, SuffixTimestamp, SuffixShortCommitHash:
		return s, nil
	default:
		return "", fmt.Errorf("invalid branch suffix %q (expected random, timestamp or short-commit-hash)", raw)
	}
}

// BranchNamingOptions controls how working branch names are generated.
type BranchNamingOptions struct {
	MaxLength  int
	HashLength int
	// Now and Random replace the clock and the uuid source.
	Now    func() time.Time
	Random func() string
}

var defaultBranchNaming = BranchNamingOptions{
	MaxLength:  200,
	HashLength: 8,
	Now:        time.Now,
	Random:     uuid.NewString,
}

// BranchWithSuffix sanitizes branch and appends the requested suffix. headSHA is only used for
// SuffixShortCommitHash. Names longer than MaxLength keep their suffix and have the branch part shortened
// with a stable hash.
func BranchWithSuffix(branch string, suffix BranchSuffix, headSHA string, opts ...BranchNamingOptions) (string, error) {
	config := defaultBranchNaming
	if len(opts) > 0 {
		o := opts[0]
		if o.MaxLength > 0 {
			config.MaxLength = o.MaxLength
		}
		if o.HashLength > 0 {
			config.HashLength = o.HashLength
		}
		if o.Now != nil {
			config.Now = o.Now
		}
		if o.Random != nil {
			config.Random = o.Random
		}
	}

	name := SanitizeBranchName(branch)
	if name == "" {
		return "", fmt.Errorf("branch name %q is empty after sanitizing", branch)
	}

	var tail string
	switch suffix {
	case SuffixNone:
	case SuffixRandom:
		tail = strings.ReplaceAll(config.Random(), "-", "")
		if len(tail) > shortLength {
			tail = tail[:shortLength]
		}
	case SuffixTimestamp:
		tail = strconv.FormatInt(config.Now().Unix(), 10)
	case SuffixShortCommitHash:
		if len(headSHA) < shortLength {
			return "", fmt.Errorf("commit sha %q is too short for a branch suffix", headSHA)
		}
		tail = headSHA[:shortLength]
	default:
		return "", fmt.Errorf("unknown branch suffix %q", suffix)
	}
	if tail != "" {
		tail = "-" + tail
	}

	if len(name)+len(tail) <= config.MaxLength {
		return name + tail, nil
	}

	available := config.MaxLength - len(tail)
	if available < 1 {
		available = 1
	}
	return shortenBranchName(name, available, config.HashLength) + tail, nil
}

// SanitizeBranchName replaces characters git refuses in branch names and trims separators from both ends.
// Case is preserved.
func SanitizeBranchName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "-")
	name = disallowedBranchChars.ReplaceAllString(name, "-")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	for strings.Contains(name, "//") {
		name = strings.ReplaceAll(name, "//", "/")
	}
	name = strings.TrimSuffix(name, ".lock")
	return strings.Trim(name, "-/.")
}

func shortenBranchName(name string, available, hashLen int) string {
	if len(name) <= available {
		return name
	}
	if hashLen <= 0 {
		hashLen = 8
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	hex := fmt.Sprintf("%0*x", hashLen, h.Sum32())
	suffix := "-" + hex

	if len(suffix) >= available {
		if len(hex) > available {
			return hex[:available]
		}
		return hex
	}

	base := strings.TrimRight(name[:available-len(suffix)], "-./")
	if base == "" {
		return hex
	}
	return base + suffix
}

// Package event resolves the repository the action runs against from the workflow event payload.
package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-github/v55/github"
)

// Repository identifies the owner/name of the repository where the workflow runs.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Payload captures the subset of any workflow event used by the action.
type Payload struct {
	Action     string
	Repository Repository
	Sender     string
}

// rawEvent holds the fields every repository-scoped webhook payload carries.
type rawEvent struct {
	Action     *string            `json:"action,omitempty"`
	Repository *github.Repository `json:"repository,omitempty"`
	Sender     *github.User       `json:"sender,omitempty"`
}

// ParseEvent decodes a workflow event payload from the provided reader.
func ParseEvent(r io.Reader) (Payload, error) {
	var raw rawEvent

	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("decode event: %w", err)
	}

	return Payload{
		Action: strings.ToLower(strings.TrimSpace(raw.GetAction())),
		Repository: Repository{
			Owner:         strings.TrimSpace(raw.Repository.GetOwner().GetLogin()),
			Name:          strings.TrimSpace(raw.Repository.GetName()),
			DefaultBranch: strings.TrimSpace(raw.Repository.GetDefaultBranch()),
		},
		Sender: strings.TrimSpace(raw.Sender.GetLogin()),
	}, nil
}

func (e rawEvent) GetAction() string {
	if e.Action == nil {
		return ""
	}
	return *e.Action
}

// ParseEventFile reads the event JSON from disk.
func ParseEventFile(path string) (Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Payload{}, fmt.Errorf("open event file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close event file: %v\n", closeErr)
		}
	}()

	return ParseEvent(f)
}

// ParseRepository splits an owner/name string such as GITHUB_REPOSITORY.
func ParseRepository(fullName string) (Repository, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("repository %q must be in owner/name form", fullName)
	}
	return Repository{Owner: owner, Name: name}, nil
}

// ResolveRepository prefers the repository recorded in the event payload at eventPath and falls back to
// fullName (GITHUB_REPOSITORY) when there is no payload or it names no repository.
func ResolveRepository(eventPath, fullName string) (Repository, error) {
	if strings.TrimSpace(eventPath) != "" {
		payload, err := ParseEventFile(eventPath)
		if err != nil {
			return Repository{}, err
		}
		if payload.Repository.Owner != "" && payload.Repository.Name != "" {
			return payload.Repository, nil
		}
	}
	return ParseRepository(fullName)
}

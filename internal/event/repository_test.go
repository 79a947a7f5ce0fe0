package event_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/create-pull-request-action/internal/event"
)

var _ = Describe("Event", func() {
	const sample = `{
		"action": "Synchronize",
		"repository": {
			"name": "charts",
			"default_branch": "main",
			"owner": {"login": "rancher"}
		},
		"sender": {"login": "alice"}
	}`

	Describe("ParseEvent", func() {
		It("parses repository and sender details", func() {
			payload, err := event.ParseEvent(strings.NewReader(sample))
			Expect(err).NotTo(HaveOccurred())

			Expect(payload.Action).To(Equal("synchronize"))
			Expect(payload.Repository).To(Equal(event.Repository{Owner: "rancher", Name: "charts", DefaultBranch: "main"}))
			Expect(payload.Repository.FullName()).To(Equal("rancher/charts"))
			Expect(payload.Sender).To(Equal("alice"))
		})

		It("tolerates payloads without a repository", func() {
			payload, err := event.ParseEvent(strings.NewReader(`{"schedule": "0 0 * * *"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.Repository).To(Equal(event.Repository{}))
		})

		It("returns an error for invalid JSON", func() {
			_, err := event.ParseEvent(strings.NewReader("not-json"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ParseRepository", func() {
		It("splits owner and name", func() {
			repo, err := event.ParseRepository(" rancher/charts ")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo).To(Equal(event.Repository{Owner: "rancher", Name: "charts"}))
		})

		It("rejects malformed values", func() {
			for _, value := range []string{"", "rancher", "/charts", "rancher/", "a/b/c"} {
				_, err := event.ParseRepository(value)
				Expect(err).To(HaveOccurred(), value)
			}
		})
	})

	Describe("ResolveRepository", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("prefers the event payload", func() {
			path := filepath.Join(dir, "event.json")
			Expect(os.WriteFile(path, []byte(sample), 0o600)).To(Succeed())

			repo, err := event.ResolveRepository(path, "other/repo")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.FullName()).To(Equal("rancher/charts"))
			Expect(repo.DefaultBranch).To(Equal("main"))
		})

		It("falls back to the repository name when the payload has none", func() {
			path := filepath.Join(dir, "event.json")
			Expect(os.WriteFile(path, []byte(`{}`), 0o600)).To(Succeed())

			repo, err := event.ResolveRepository(path, "other/repo")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.FullName()).To(Equal("other/repo"))
		})

		It("uses the repository name when no event path is set", func() {
			repo, err := event.ResolveRepository("", "other/repo")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo).To(Equal(event.Repository{Owner: "other", Name: "repo"}))
		})

		It("fails when the event file is missing", func() {
			_, err := event.ResolveRepository(filepath.Join(dir, "missing.json"), "other/repo")
			Expect(err).To(MatchError(ContainSubstring("open event file")))
		})
	})
})

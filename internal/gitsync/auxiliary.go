package gitsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modelsync/internal/packages"
	"modelsync/internal/provider"
	"modelsync/pkg/fileops"
)

// workflowFile is the CI definition location per provider, relative to the
// repository root, and the template file name looked up in the template dir.
var workflowFile = map[provider.Kind]struct{ path, template string }{
	provider.GitHub: {path: ".github/workflows/publish.yml", template: "github-publish.yml"},
	provider.GitLab: {path: ".gitlab-ci.yml", template: "gitlab-ci.yml"},
}

const githubWorkflow = `name: publish
on:
  push:
    branches: [%[1]s]
jobs:
  publish:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - name: Notify publication service
        run: curl -fsS -X POST "$PUBLISH_URL" -H "Authorization: Bearer ${{ secrets.PUBLISH_TOKEN }}"
        env:
          PUBLISH_URL: %[2]s
`

const gitlabWorkflow = `publish:
  image: curlimages/curl:latest
  rules:
    - if: $CI_COMMIT_BRANCH == "%[1]s"
  script:
    - curl -fsS -X POST "%[2]s" -H "Authorization: Bearer $PUBLISH_TOKEN"
`

// writeAuxiliaryFiles writes the README and the provider CI workflow into dir.
func (s *Synchronizer) writeAuxiliaryFiles(dir string, kind provider.Kind, pkg packages.Record, branch string) error {
	publication := s.publicationURL(pkg)

	readme, err := packages.RenderReadme(pkg, publication, s.now())
	if err != nil {
		return err
	}
	if err := fileops.AtomicWriteFile(filepath.Join(dir, packages.ReadmeFile), readme); err != nil {
		return fmt.Errorf("failed to write README: %w", err)
	}

	wf, ok := workflowFile[kind]
	if !ok {
		return nil
	}
	dest := filepath.Join(dir, filepath.FromSlash(wf.path))
	if err := fileops.EnsureDirectoryExists(filepath.Dir(dest)); err != nil {
		return err
	}

	if s.workflowTemplateDir != "" {
		src := filepath.Join(s.workflowTemplateDir, wf.template)
		if _, err := os.Stat(src); err == nil {
			return fileops.AtomicCopy(src, dest)
		}
	}

	tmpl := githubWorkflow
	if kind == provider.GitLab {
		tmpl = gitlabWorkflow
	}
	content := fmt.Sprintf(tmpl, branch, publication)
	return fileops.AtomicWriteFile(dest, []byte(content))
}

func (s *Synchronizer) publicationURL(pkg packages.Record) string {
	if s.publicationBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.publicationBaseURL, "/") + "/" + urlSafe(pkg.IRI)
}

func urlSafe(iri string) string {
	r := strings.NewReplacer("://", "/", ":", "-", "#", "-", "?", "-")
	return strings.Trim(r.Replace(iri), "/")
}

func (s *Synchronizer) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

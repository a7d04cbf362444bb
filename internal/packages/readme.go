package packages

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// ReadmeFile is written at the root of every exported repository.
const ReadmeFile = "README.md"

// ReadmeMatter is the YAML frontmatter of the generated README.
type ReadmeMatter struct {
	Package     string    `yaml:"package"`
	Label       string    `yaml:"label,omitempty"`
	Publication string    `yaml:"publication,omitempty"`
	Generated   time.Time `yaml:"generated"`
}

// RenderReadme returns the README for a package published at publicationURL.
func RenderReadme(pkg Record, publicationURL string, now time.Time) ([]byte, error) {
	matter := ReadmeMatter{
		Package:     pkg.IRI,
		Label:       pkg.Label,
		Publication: publicationURL,
		Generated:   now.UTC().Truncate(time.Second),
	}
	head, err := yaml.Marshal(matter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode README frontmatter: %w", err)
	}

	title := pkg.Label
	if title == "" {
		title = pkg.IRI
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "This repository is synchronized from the data-modeling package `%s`.\n", pkg.IRI)
	if publicationURL != "" {
		fmt.Fprintf(&b, "\nThe published documentation is available at <%s>.\n", publicationURL)
	}
	b.WriteString("\nFiles are regenerated on every commit from the editor. Edits made here are\npulled back when the repository webhook fires.\n")
	return b.Bytes(), nil
}

// ParseReadme reads the frontmatter of a generated README.
func ParseReadme(content []byte) (ReadmeMatter, string, error) {
	var matter ReadmeMatter
	body, err := frontmatter.Parse(bytes.NewReader(content), &matter)
	if err != nil {
		return ReadmeMatter{}, "", fmt.Errorf("no valid frontmatter found: %w", err)
	}
	return matter, strings.TrimSpace(string(body)), nil
}

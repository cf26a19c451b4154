package dictionary

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCorrectorReplacesWholeWordsCaseInsensitively(t *testing.T) {
	t.Parallel()

	c := NewCorrector(map[string]string{"github": "GitHub", "WhatsApp": "WhatsApp"})

	got := c.Apply("push to GITHUB and ping me on whatsapp, not githubber")
	want := "push to GitHub and ping me on WhatsApp, not githubber"
	if got != want {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestCorrectorPrefersLongestKey(t *testing.T) {
	t.Parallel()

	c := NewCorrector(map[string]string{
		"open":    "Open",
		"open ai": "OpenAI",
	})

	if got := c.Apply("open ai is open"); got != "OpenAI is Open" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestCorrectorEscapesMetacharacters(t *testing.T) {
	t.Parallel()

	c := NewCorrector(map[string]string{"c.s": "CS", "": "ignored"})
	if c.Len() != 1 {
		t.Fatalf("unexpected entry count: %d", c.Len())
	}
	if got := c.Apply("cxs c.s"); got != "cxs CS" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestEmptyCorrectorIsIdentity(t *testing.T) {
	t.Parallel()

	if got := NewCorrector(nil).Apply("unchanged"); got != "unchanged" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestParseEntries(t *testing.T) {
	t.Parallel()

	entries, err := Parse(strings.NewReader(`
# product names
GitHub => GitHub
kube ctl => kubectl
github => Github
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0] != (Entry{Key: "github", Value: "Github"}) {
		t.Fatalf("later line should override earlier: %+v", entries[0])
	}
	if entries[1] != (Entry{Key: "kube ctl", Value: "kubectl"}) {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"no arrow here", " => value", "key => "} {
		if _, err := Parse(strings.NewReader(input)); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	t.Parallel()

	entries, err := ReadFile(filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("unexpected result: %v %v", entries, err)
	}

	path := filepath.Join(t.TempDir(), "dict.txt")
	if err := os.WriteFile(path, []byte("gpu => GPU\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	entries, err = ReadFile(path)
	if err != nil || len(entries) != 1 || entries[0].Value != "GPU" {
		t.Fatalf("unexpected result: %v %v", entries, err)
	}
}

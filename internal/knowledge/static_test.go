package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryRanksByMatches(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "rent", Keywords: []string{"rent"}},
		{Title: "decimals", Keywords: []string{"decimals", "supply"}},
		{Title: "resume", Tags: []string{"mint-supply"}},
	}, 2)

	got := p.Query("What supply and decimals should I use?", "")
	if len(got) != 1 || got[0].Title != "decimals" {
		t.Fatalf("unexpected results %+v", got)
	}

	got = p.Query("finish my token", "mint-supply")
	if len(got) != 1 || got[0].Title != "resume" {
		t.Fatalf("tool tag should match: %+v", got)
	}

	if got := p.Query("unrelated", ""); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestLoadStaticProviderFormats(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "k.json")
	yamlPath := filepath.Join(dir, "k.yaml")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"a","content":"x","keywords":["token"]}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(yamlPath, []byte("- title: b\n  content: y\n  keywords: [token]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]string{jsonPath: "a", yamlPath: "b"} {
		p, err := LoadStaticProvider(path, 3)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		if got := p.Query("token", ""); len(got) != 1 || got[0].Title != want {
			t.Fatalf("%s: unexpected %+v", path, got)
		}
	}
	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestQueryCapsResultsAndKeepsOrderOnTies(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "first", Keywords: []string{"Mint"}},
		{Title: "second", Keywords: []string{"mint"}},
		{Title: "third", Keywords: []string{"mint", "authority"}},
		{Title: "blank", Keywords: []string{"  "}},
	}, 2)

	got := p.Query("Who holds the MINT authority?", "")
	if len(got) != 2 || got[0].Title != "third" || got[1].Title != "first" {
		t.Fatalf("unexpected ranking %+v", got)
	}
	if got := p.Query("   ", ""); len(got) != 0 {
		t.Fatalf("blank keywords must not match everything: %+v", got)
	}
}

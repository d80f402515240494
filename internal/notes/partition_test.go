package notes

import (
	"strings"
	"testing"
)

func TestParseNoMarkersDefaultsToPrivate(t *testing.T) {
	note := Parse("no markers here", "T")

	if len(note.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(note.Sections))
	}
	section := note.Sections[0]
	if section.IsPublic {
		t.Error("unmarked content must default to private")
	}
	if section.OrderIndex != 0 {
		t.Errorf("expected orderIndex 0, got %d", section.OrderIndex)
	}
	if section.Content != "no markers here" {
		t.Errorf("unexpected content %q", section.Content)
	}
}

func TestParseBlankContent(t *testing.T) {
	if sections := Parse("", "T").Sections; len(sections) != 0 {
		t.Errorf("expected no sections for empty content, got %d", len(sections))
	}
	if sections := Parse("   \n\n  ", "T").Sections; len(sections) != 0 {
		t.Errorf("expected no sections for blank content, got %d", len(sections))
	}
}

func TestParseAlternatingMarkers(t *testing.T) {
	content := "secret prep\n[PUBLIC]\nThe party enters the crypt.\n[!PUBLIC]\nThe lich watches from the shadows."
	note := Parse(content, "Session 12")

	if len(note.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(note.Sections))
	}

	expected := []struct {
		content  string
		isPublic bool
	}{
		{"secret prep", false},
		{"The party enters the crypt.", true},
		{"The lich watches from the shadows.", false},
	}
	for i, want := range expected {
		section := note.Sections[i]
		if section.Content != want.content {
			t.Errorf("section %d: expected %q, got %q", i, want.content, section.Content)
		}
		if section.IsPublic != want.isPublic {
			t.Errorf("section %d: expected isPublic=%v", i, want.isPublic)
		}
		if section.OrderIndex != i {
			t.Errorf("section %d: expected orderIndex %d, got %d", i, i, section.OrderIndex)
		}
	}
}

func TestParseUnbalancedMarkersTolerated(t *testing.T) {
	note := Parse("[PUBLIC]\nA\nB", "T")

	if len(note.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(note.Sections))
	}
	section := note.Sections[0]
	if section.Content != "A\nB" {
		t.Errorf("expected content %q, got %q", "A\nB", section.Content)
	}
	if !section.IsPublic {
		t.Error("expected flag to stay public until end of file")
	}
	if section.OrderIndex != 0 {
		t.Errorf("expected orderIndex 0, got %d", section.OrderIndex)
	}
}

func TestParseConsecutiveDuplicateMarkers(t *testing.T) {
	note := Parse("[PUBLIC]\nA\n[PUBLIC]\nB", "T")

	if len(note.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(note.Sections))
	}
	for i, section := range note.Sections {
		if !section.IsPublic {
			t.Errorf("section %d: expected public", i)
		}
	}
}

func TestParseMarkerLinesNeverInSections(t *testing.T) {
	note := Parse("  [PUBLIC]  \nvisible\n\t[!PUBLIC]\nhidden", "T")

	for _, section := range note.Sections {
		if strings.Contains(section.Content, "PUBLIC") {
			t.Errorf("marker leaked into section content: %q", section.Content)
		}
	}
}

func TestParseOrderIndexInvariant(t *testing.T) {
	content := "a\n[PUBLIC]\nb\n[!PUBLIC]\nc\n[PUBLIC]\nd\n[!PUBLIC]\ne"
	note := Parse(content, "T")

	for i, section := range note.Sections {
		if section.OrderIndex != i {
			t.Errorf("sections[%d].OrderIndex = %d", i, section.OrderIndex)
		}
	}
}

// Re-wrapping the parsed sections with their markers and parsing again must
// reproduce the same section boundaries.
func TestParseIdempotentAfterRewrap(t *testing.T) {
	content := "prep notes\n[PUBLIC]\nhandout text\n[!PUBLIC]\nmore secrets"
	first := Parse(content, "T")

	var rewrapped strings.Builder
	for _, section := range first.Sections {
		if section.IsPublic {
			rewrapped.WriteString("[PUBLIC]\n")
		} else {
			rewrapped.WriteString("[!PUBLIC]\n")
		}
		rewrapped.WriteString(section.Content)
		rewrapped.WriteString("\n")
	}

	second := Parse(rewrapped.String(), "T")
	if len(second.Sections) != len(first.Sections) {
		t.Fatalf("expected %d sections after rewrap, got %d", len(first.Sections), len(second.Sections))
	}
	for i := range first.Sections {
		if second.Sections[i].Content != first.Sections[i].Content {
			t.Errorf("section %d content changed: %q vs %q", i, first.Sections[i].Content, second.Sections[i].Content)
		}
		if second.Sections[i].IsPublic != first.Sections[i].IsPublic {
			t.Errorf("section %d visibility changed", i)
		}
	}
}

func TestPublicAndPrivateContent(t *testing.T) {
	content := "a\n[PUBLIC]\nb\n[!PUBLIC]\nc\n[PUBLIC]\nd"
	note := Parse(content, "T")

	if got := note.PublicContent(); got != "b\n\nd" {
		t.Errorf("PublicContent = %q", got)
	}
	if got := note.PrivateContent(); got != "a\n\nc" {
		t.Errorf("PrivateContent = %q", got)
	}
	if !note.HasPublicContent() {
		t.Error("expected HasPublicContent")
	}
	if note.SectionCount(true) != 2 || note.SectionCount(false) != 2 {
		t.Errorf("unexpected section counts: public=%d private=%d", note.SectionCount(true), note.SectionCount(false))
	}

	allPrivate := Parse("just notes", "T")
	if allPrivate.HasPublicContent() {
		t.Error("expected no public content")
	}
	if allPrivate.PublicContent() != "" {
		t.Errorf("expected empty public content, got %q", allPrivate.PublicContent())
	}
}

func TestExtractImagesPublicCorrelation(t *testing.T) {
	content := "[PUBLIC]\n![x](a.png)\n[!PUBLIC]\n![y](b.png)"
	refs := ExtractImages(content)

	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}

	public := PublicImages(refs)
	if len(public) != 1 {
		t.Fatalf("expected 1 public ref, got %d", len(public))
	}
	if public[0].LocalPath != "a.png" {
		t.Errorf("expected a.png, got %s", public[0].LocalPath)
	}
}

func TestExtractImagesExtensionAllowList(t *testing.T) {
	if refs := ExtractImages("![x](doc.pdf)"); len(refs) != 0 {
		t.Errorf("expected non-image extension to be excluded, got %v", refs)
	}
	if refs := ExtractImages("![x](map.PNG)"); len(refs) != 1 {
		t.Errorf("expected case-insensitive extension match, got %v", refs)
	}
}

func TestExtractImagesBothSyntaxes(t *testing.T) {
	content := "![the map](maps/crypt.png)\n![[handouts/letter.jpg|the letter]]\n![[token.webp]]"
	refs := ExtractImages(content)

	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}

	first := refs[0]
	if first.Type != ImageMarkdown || first.LocalPath != "maps/crypt.png" || first.AltText != "the map" {
		t.Errorf("unexpected markdown ref: %+v", first)
	}
	if first.LineNumber != 1 {
		t.Errorf("expected line 1, got %d", first.LineNumber)
	}

	second := refs[1]
	if second.Type != ImageWikilink || second.LocalPath != "handouts/letter.jpg" || second.AltText != "the letter" {
		t.Errorf("unexpected wikilink ref: %+v", second)
	}
	if second.LineNumber != 2 {
		t.Errorf("expected line 2, got %d", second.LineNumber)
	}

	third := refs[2]
	if third.Type != ImageWikilink || third.LocalPath != "token.webp" || third.AltText != "" {
		t.Errorf("unexpected bare wikilink ref: %+v", third)
	}
}

func TestExtractImagesFlagAtLineNotFileEnd(t *testing.T) {
	// File ends private, but the image sits inside the public span.
	content := "[PUBLIC]\n![x](a.png)\n[!PUBLIC]\nsecret"
	refs := ExtractImages(content)

	if len(refs) != 1 || !refs[0].IsInPublicSection {
		t.Errorf("expected image flagged public at its own line, got %+v", refs)
	}
}

func TestReplaceImagePaths(t *testing.T) {
	content := "![map](maps/crypt.png) and ![[letter.jpg|the letter]] and ![keep](keep.png)"
	rewritten := ReplaceImagePaths(content, map[string]string{
		"maps/crypt.png": "https://cdn.example.com/crypt.png",
		"letter.jpg":     "https://cdn.example.com/letter.jpg",
	})

	if !strings.Contains(rewritten, "![map](https://cdn.example.com/crypt.png)") {
		t.Errorf("markdown path not rewritten: %s", rewritten)
	}
	// Wikilinks are normalized to markdown syntax.
	if !strings.Contains(rewritten, "![the letter](https://cdn.example.com/letter.jpg)") {
		t.Errorf("wikilink not normalized: %s", rewritten)
	}
	if strings.Contains(rewritten, "![[") {
		t.Errorf("wikilink syntax survived rewrite: %s", rewritten)
	}
	// Paths not in the map stay untouched.
	if !strings.Contains(rewritten, "![keep](keep.png)") {
		t.Errorf("unmapped path was modified: %s", rewritten)
	}
}

func TestReplaceImagePathsBareWikilinkAlt(t *testing.T) {
	rewritten := ReplaceImagePaths("![[maps/crypt.png]]", map[string]string{
		"maps/crypt.png": "https://cdn.example.com/crypt.png",
	})
	if rewritten != "![crypt](https://cdn.example.com/crypt.png)" {
		t.Errorf("expected filename-derived alt text, got %s", rewritten)
	}
}

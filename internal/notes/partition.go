// Package notes partitions raw note text into public and private sections
// and extracts image references. GM notes are freeform documents edited in
// an external vault, so the parser is a permissive line-oriented flag scan:
// unbalanced or missing markers are legal and never an error, and anything
// ambiguous defaults to private.
package notes

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	publicMarker  = "[PUBLIC]"
	privateMarker = "[!PUBLIC]"
)

type ImageType string

const (
	ImageMarkdown ImageType = "markdown"
	ImageWikilink ImageType = "wikilink"
)

// Section is a contiguous span of note text with one visibility.
type Section struct {
	Content    string
	IsPublic   bool
	OrderIndex int
}

type ParsedNote struct {
	Title    string
	Sections []Section
}

// ImageRef is an image reference found in note content.
// IsInPublicSection reflects the marker state at the line where the image
// occurs, not at end of file.
type ImageRef struct {
	LocalPath         string
	AltText           string
	Type              ImageType
	LineNumber        int
	IsInPublicSection bool
}

var (
	markdownImagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	wikilinkImagePattern = regexp.MustCompile(`!\[\[([^\]|]+)(?:\|([^\]]*))?\]\]`)
)

// imageExtensions is the allow-list of recognized image file extensions.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".svg":  true,
	".webp": true,
	".tiff": true,
}

// Parse scans content line by line, splitting it into ordered sections at
// each [PUBLIC]/[!PUBLIC] marker. The visibility flag starts private and
// marker lines are never part of any section. A note without markers is
// one all-private section.
func Parse(content, title string) ParsedNote {
	note := ParsedNote{Title: title}

	isPublic := false
	var buffer strings.Builder

	flush := func() {
		text := strings.TrimSpace(buffer.String())
		buffer.Reset()
		if text == "" {
			return
		}
		note.Sections = append(note.Sections, Section{
			Content:    text,
			IsPublic:   isPublic,
			OrderIndex: len(note.Sections),
		})
	}

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case publicMarker:
			flush()
			isPublic = true
		case privateMarker:
			flush()
			isPublic = false
		default:
			buffer.WriteString(line)
			buffer.WriteString("\n")
		}
	}
	flush()

	return note
}

// PublicContent joins the public sections in order, separated by blank
// lines.
func (n ParsedNote) PublicContent() string {
	return n.joinSections(true)
}

// PrivateContent joins the private sections in order, separated by blank
// lines.
func (n ParsedNote) PrivateContent() string {
	return n.joinSections(false)
}

func (n ParsedNote) HasPublicContent() bool {
	for _, section := range n.Sections {
		if section.IsPublic {
			return true
		}
	}
	return false
}

// SectionCount counts sections with the given visibility.
func (n ParsedNote) SectionCount(isPublic bool) int {
	count := 0
	for _, section := range n.Sections {
		if section.IsPublic == isPublic {
			count++
		}
	}
	return count
}

func (n ParsedNote) joinSections(isPublic bool) string {
	var parts []string
	for _, section := range n.Sections {
		if section.IsPublic == isPublic {
			parts = append(parts, section.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ExtractImages re-scans content tracking the same public/private flag and
// collects every Markdown (![alt](path)) and wikilink (![[path]]) image
// whose extension is on the allow-list.
func ExtractImages(content string) []ImageRef {
	var refs []ImageRef

	isPublic := false
	for index, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case publicMarker:
			isPublic = true
			continue
		case privateMarker:
			isPublic = false
			continue
		}

		lineNumber := index + 1

		for _, match := range markdownImagePattern.FindAllStringSubmatch(line, -1) {
			path := strings.TrimSpace(match[2])
			if !isImagePath(path) {
				continue
			}
			refs = append(refs, ImageRef{
				LocalPath:         path,
				AltText:           match[1],
				Type:              ImageMarkdown,
				LineNumber:        lineNumber,
				IsInPublicSection: isPublic,
			})
		}

		for _, match := range wikilinkImagePattern.FindAllStringSubmatch(line, -1) {
			path := strings.TrimSpace(match[1])
			if !isImagePath(path) {
				continue
			}
			refs = append(refs, ImageRef{
				LocalPath:         path,
				AltText:           match[2],
				Type:              ImageWikilink,
				LineNumber:        lineNumber,
				IsInPublicSection: isPublic,
			})
		}
	}

	return refs
}

// PublicImages filters refs to those inside a public section.
func PublicImages(refs []ImageRef) []ImageRef {
	var public []ImageRef
	for _, ref := range refs {
		if ref.IsInPublicSection {
			public = append(public, ref)
		}
	}
	return public
}

// ReplaceImagePaths rewrites image references whose path appears in
// pathMap. Wikilink images are normalized to Markdown syntax in the
// output; references not in the map are left untouched.
func ReplaceImagePaths(content string, pathMap map[string]string) string {
	content = markdownImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := markdownImagePattern.FindStringSubmatch(match)
		newURL, ok := pathMap[strings.TrimSpace(groups[2])]
		if !ok {
			return match
		}
		return "![" + groups[1] + "](" + newURL + ")"
	})

	content = wikilinkImagePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := wikilinkImagePattern.FindStringSubmatch(match)
		path := strings.TrimSpace(groups[1])
		newURL, ok := pathMap[path]
		if !ok {
			return match
		}
		alt := groups[2]
		if alt == "" {
			alt = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return "![" + alt + "](" + newURL + ")"
	})

	return content
}

func isImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

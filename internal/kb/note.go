package kb

import (
	"bufio"
	"strings"
)

// Metadata is the structured hint block a note may carry in a fenced
// ```metadata section: category, subcategory and tags.
type Metadata struct {
	Category    string
	Subcategory string
	Tags        []string
	Title       string
}

// ExtractMetadata scans markdown for the first ```metadata fenced block
// and parses its key: value lines. The second return is false when no
// block is present.
func ExtractMetadata(markdown string) (Metadata, bool) {
	var meta Metadata
	sc := bufio.NewScanner(strings.NewReader(markdown))
	inBlock := false
	found := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inBlock {
			if strings.HasPrefix(line, "```") && strings.TrimSpace(strings.TrimPrefix(line, "```")) == "metadata" {
				inBlock = true
				found = true
			}
			continue
		}
		if strings.HasPrefix(line, "```") {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "category":
			meta.Category = value
		case "subcategory":
			meta.Subcategory = value
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					meta.Tags = append(meta.Tags, tag)
				}
			}
		case "title":
			meta.Title = value
		}
	}
	return meta, found
}

// Title extracts the first H1 heading, falling back to empty.
func Title(markdown string) string {
	sc := bufio.NewScanner(strings.NewReader(markdown))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// RenderMetadata formats a metadata block for embedding into a note.
func RenderMetadata(m Metadata) string {
	var b strings.Builder
	b.WriteString("```metadata\n")
	if m.Category != "" {
		b.WriteString("category: " + m.Category + "\n")
	}
	if m.Subcategory != "" {
		b.WriteString("subcategory: " + m.Subcategory + "\n")
	}
	if len(m.Tags) > 0 {
		b.WriteString("tags: " + strings.Join(m.Tags, ", ") + "\n")
	}
	b.WriteString("```\n")
	return b.String()
}

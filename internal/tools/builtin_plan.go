package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

func planTodoSpec() Spec {
	return Spec{
		Name:        "plan_todo",
		Description: "Record an ordered plan of steps before making changes. Call once with the complete list.",
		InputSchema: objectSchema(map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "Ordered plan steps, one short sentence each.",
				"items":       map[string]any{"type": "string"},
			},
		}, "todos"),
		Handler: func(_ context.Context, _ Invocation, args map[string]any) Result {
			raw, ok := args["todos"].([]any)
			if !ok || len(raw) == 0 {
				return Fail("todos must be a non-empty array of strings")
			}
			var sb strings.Builder
			sb.WriteString("Plan:\n")
			n := 0
			for _, item := range raw {
				step, _ := item.(string)
				step = strings.TrimSpace(step)
				if step == "" {
					continue
				}
				n++
				fmt.Fprintf(&sb, "%d. %s\n", n, step)
			}
			if n == 0 {
				return Fail("todos must contain at least one non-empty step")
			}
			return OK(sb.String())
		},
	}
}

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	bareURLRe   = regexp.MustCompile(`https?://[^\s)\]>"']+`)
)

func analyzeContentSpec() Spec {
	return Spec{
		Name:        "analyze_content",
		Description: "Analyze a piece of text: title candidate, size, headings and links. Use it to decide where a note belongs before writing.",
		InputSchema: objectSchema(map[string]any{
			"content": strProp("Text to analyze."),
		}, "content"),
		Handler: func(_ context.Context, _ Invocation, args map[string]any) Result {
			content := strArg(args, "content")
			if strings.TrimSpace(content) == "" {
				return Fail("content is required")
			}
			return OK(analyzeContent(content))
		},
	}
}

// analyzeContent produces a deterministic digest: no model calls, same
// input gives the same output.
func analyzeContent(content string) string {
	lines := strings.Split(content, "\n")
	words := len(strings.Fields(content))

	var headings []string
	for _, m := range mdHeadingRe.FindAllStringSubmatch(content, -1) {
		headings = append(headings, strings.TrimSpace(m[2]))
	}

	seen := map[string]bool{}
	var links []string
	for _, m := range mdLinkRe.FindAllStringSubmatch(content, -1) {
		if !seen[m[2]] {
			seen[m[2]] = true
			links = append(links, m[2])
		}
	}
	for _, u := range bareURLRe.FindAllString(content, -1) {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			links = append(links, u)
		}
	}

	title := titleCandidate(lines, headings)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title candidate: %s\n", title)
	fmt.Fprintf(&sb, "Size: %d lines, %d words\n", len(lines), words)
	if len(headings) > 0 {
		sb.WriteString("Headings:\n")
		for _, h := range headings {
			sb.WriteString("  - " + h + "\n")
		}
	}
	if len(links) > 0 {
		sb.WriteString("Links:\n")
		for _, l := range links {
			sb.WriteString("  - " + l + "\n")
		}
	}
	return sb.String()
}

// titleCandidate prefers the first heading, then the first non-empty
// line clipped to something title-sized.
func titleCandidate(lines, headings []string) string {
	if len(headings) > 0 {
		return headings[0]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 80 {
			return line[:80] + "..."
		}
		return line
	}
	return "(untitled)"
}

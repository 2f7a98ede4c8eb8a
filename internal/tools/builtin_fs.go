package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolveArg pulls a path argument and runs it through the sandbox.
func resolveArg(inv Invocation, args map[string]any, key string) (string, Result, bool) {
	raw := strArg(args, key)
	if strings.TrimSpace(raw) == "" {
		return "", Failf("%s is required", key), false
	}
	resolved, err := inv.Sandbox().Resolve(raw)
	if err != nil {
		return "", Fail(err.Error()), false
	}
	return resolved, Result{}, true
}

func readOnlyGuard(inv Invocation) (Result, bool) {
	if inv.ReadOnly {
		return Fail("knowledge base is read-only in this mode"), false
	}
	return Result{}, true
}

func kbReadFileSpec() Spec {
	return Spec{
		Name:        "kb_read_file",
		Description: "Read a file from the knowledge base. Paths are relative to the KB root.",
		InputSchema: objectSchema(map[string]any{
			"path": strProp("File path, e.g. topics/ai/llm/overview.md."),
		}, "path"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			info, err := os.Stat(path)
			if err != nil {
				return Failf("cannot read %s: %v", strArg(args, "path"), err)
			}
			if info.IsDir() {
				return Failf("%s is a directory, use kb_list_directory", strArg(args, "path"))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return Failf("cannot read %s: %v", strArg(args, "path"), err)
			}
			if len(data) > maxToolFileBytes {
				return OK(string(data[:maxToolFileBytes]) + "\n... (file truncated)")
			}
			return OK(string(data))
		},
	}
}

func kbListDirectorySpec() Spec {
	return Spec{
		Name:        "kb_list_directory",
		Description: "List the entries of a knowledge base directory. Omit path to list the root.",
		InputSchema: objectSchema(map[string]any{
			"path": strProp("Directory path relative to the KB root. Optional."),
		}),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			raw := strArg(args, "path")
			if strings.TrimSpace(raw) == "" {
				raw = "."
			}
			dir, err := inv.Sandbox().Resolve(raw)
			if err != nil {
				return Fail(err.Error())
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return Failf("cannot list %s: %v", raw, err)
			}
			if len(entries) == 0 {
				return OK("(empty)")
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			var sb strings.Builder
			for _, e := range entries {
				if e.Name() == ".git" {
					continue
				}
				if e.IsDir() {
					sb.WriteString(e.Name() + "/\n")
					continue
				}
				size := int64(0)
				if info, err := e.Info(); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(&sb, "%s (%s)\n", e.Name(), humanSize(size))
			}
			out := sb.String()
			if out == "" {
				return OK("(empty)")
			}
			return OK(truncateOutput(out))
		},
	}
}

func kbSearchFilesSpec() Spec {
	return Spec{
		Name:        "kb_search_files",
		Description: "Find knowledge base files by name. Pattern is a case-insensitive substring, or a glob when it contains * or ?.",
		InputSchema: objectSchema(map[string]any{
			"pattern": strProp("Name pattern, e.g. 'transformer' or '*.md'."),
		}, "pattern"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			pattern := strings.TrimSpace(strArg(args, "pattern"))
			if pattern == "" {
				return Fail("pattern is required")
			}
			sb := inv.Sandbox()
			root := sb.Boundary()
			isGlob := strings.ContainsAny(pattern, "*?[")
			lower := strings.ToLower(pattern)

			var hits []string
			err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // unreadable subtree, keep walking elsewhere
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				match := false
				if isGlob {
					match, _ = filepath.Match(lower, strings.ToLower(d.Name()))
				} else {
					match = strings.Contains(strings.ToLower(d.Name()), lower)
				}
				if match {
					hits = append(hits, sb.Rel(path))
					if len(hits) >= maxSearchHits {
						return fs.SkipAll
					}
				}
				return nil
			})
			if err != nil {
				return Failf("search failed: %v", err)
			}
			if len(hits) == 0 {
				return OKf("no files matching %q", pattern)
			}
			return OK(strings.Join(hits, "\n"))
		},
	}
}

func kbSearchContentSpec(index ContentSearcher) Spec {
	return Spec{
		Name:        "kb_search_content",
		Description: "Search knowledge base note contents. Returns matching paths with a snippet per hit.",
		InputSchema: objectSchema(map[string]any{
			"query": strProp("Words or phrase to look for."),
			"limit": numProp("Maximum hits to return. Default 10."),
		}, "query"),
		Handler: func(ctx context.Context, inv Invocation, args map[string]any) Result {
			query := strings.TrimSpace(strArg(args, "query"))
			if query == "" {
				return Fail("query is required")
			}
			limit := intArg(args, "limit", 10)
			if limit < 1 || limit > maxSearchHits {
				limit = 10
			}

			if index != nil {
				hits, err := index.SearchContent(ctx, inv.KBID, query, limit)
				if err == nil {
					return OK(formatContentHits(query, hits))
				}
				// fall through to the scan when the index is unavailable
			}
			hits, err := scanContent(inv.Sandbox(), query, limit)
			if err != nil {
				return Failf("search failed: %v", err)
			}
			return OK(formatContentHits(query, hits))
		},
	}
}

// scanContent is the indexless fallback: a case-insensitive substring
// scan over text files under the boundary.
func scanContent(sb *Sandbox, query string, limit int) ([]ContentHit, error) {
	lower := strings.ToLower(query)
	var hits []ContentHit
	err := filepath.WalkDir(sb.Boundary(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxToolFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(data)
		idx := strings.Index(strings.ToLower(content), lower)
		if idx < 0 {
			return nil
		}
		hits = append(hits, ContentHit{Path: sb.Rel(path), Snippet: snippetAround(content, idx, len(query))})
		if len(hits) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return hits, err
}

// snippetAround clips the line containing the match.
func snippetAround(content string, idx, matchLen int) string {
	start := strings.LastIndexByte(content[:idx], '\n') + 1
	end := strings.IndexByte(content[idx+matchLen:], '\n')
	if end < 0 {
		end = len(content)
	} else {
		end += idx + matchLen
	}
	line := strings.TrimSpace(content[start:end])
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return line
}

func formatContentHits(query string, hits []ContentHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("no notes matching %q", query)
	}
	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString(h.Path)
		if h.Title != "" {
			sb.WriteString(" (" + h.Title + ")")
		}
		sb.WriteByte('\n')
		if h.Snippet != "" {
			sb.WriteString("  " + h.Snippet + "\n")
		}
	}
	return truncateOutput(sb.String())
}

func fileCreateSpec() Spec {
	return Spec{
		Name:        "file_create",
		Description: "Create a file with the given content. Parent directories are created. Fails if the file exists unless overwrite is true.",
		InputSchema: objectSchema(map[string]any{
			"path":      strProp("Target file path relative to the KB root."),
			"content":   strProp("Full file content."),
			"overwrite": boolProp("Replace an existing file. Default false."),
		}, "path", "content"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			content, hasContent := args["content"].(string)
			if !hasContent {
				return Fail("content is required")
			}
			overwrite := boolArg(args, "overwrite")

			existed := false
			if info, err := os.Stat(path); err == nil {
				if info.IsDir() {
					return Failf("%s is a directory", strArg(args, "path"))
				}
				if !overwrite {
					return Failf("%s already exists, pass overwrite=true or use file_edit", strArg(args, "path"))
				}
				existed = true
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return Failf("cannot create parent directory: %v", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return Failf("cannot write %s: %v", strArg(args, "path"), err)
			}
			rel := inv.Sandbox().Rel(path)
			if existed {
				inv.Changes.Record(ChangeFileModified, rel)
				return OKf("overwrote %s (%s)", rel, humanSize(int64(len(content))))
			}
			inv.Changes.Record(ChangeFileCreated, rel)
			return OKf("created %s (%s)", rel, humanSize(int64(len(content))))
		},
	}
}

func fileEditSpec() Spec {
	return Spec{
		Name:        "file_edit",
		Description: "Edit a file by exact string replacement. old_string must appear exactly once; include surrounding lines to disambiguate.",
		InputSchema: objectSchema(map[string]any{
			"path":       strProp("File to edit."),
			"old_string": strProp("Exact text to replace."),
			"new_string": strProp("Replacement text."),
		}, "path", "old_string", "new_string"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			oldStr, hasOld := args["old_string"].(string)
			newStr, hasNew := args["new_string"].(string)
			if !hasOld || oldStr == "" {
				return Fail("old_string is required")
			}
			if !hasNew {
				return Fail("new_string is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return Failf("cannot read %s: %v", strArg(args, "path"), err)
			}
			content := string(data)
			switch n := strings.Count(content, oldStr); {
			case n == 0:
				return Failf("old_string not found in %s", strArg(args, "path"))
			case n > 1:
				return Failf("old_string appears %d times in %s, include more context to make it unique", n, strArg(args, "path"))
			}
			updated := strings.Replace(content, oldStr, newStr, 1)
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return Failf("cannot write %s: %v", strArg(args, "path"), err)
			}
			rel := inv.Sandbox().Rel(path)
			inv.Changes.Record(ChangeFileModified, rel)
			return OKf("edited %s", rel)
		},
	}
}

func fileDeleteSpec() Spec {
	return Spec{
		Name:        "file_delete",
		Description: "Delete a file from the knowledge base.",
		InputSchema: objectSchema(map[string]any{
			"path": strProp("File to delete."),
		}, "path"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			info, err := os.Stat(path)
			if err != nil {
				return Failf("cannot delete %s: %v", strArg(args, "path"), err)
			}
			if info.IsDir() {
				return Failf("%s is a directory, use folder_delete", strArg(args, "path"))
			}
			if err := os.Remove(path); err != nil {
				return Failf("cannot delete %s: %v", strArg(args, "path"), err)
			}
			rel := inv.Sandbox().Rel(path)
			inv.Changes.Record(ChangeFileDeleted, rel)
			return OKf("deleted %s", rel)
		},
	}
}

func fileMoveSpec() Spec {
	return Spec{
		Name:        "file_move",
		Description: "Move or rename a file inside the knowledge base. Fails if the destination exists.",
		InputSchema: objectSchema(map[string]any{
			"from": strProp("Current file path."),
			"to":   strProp("New file path."),
		}, "from", "to"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			from, res, ok := resolveArg(inv, args, "from")
			if !ok {
				return res
			}
			to, res, ok := resolveArg(inv, args, "to")
			if !ok {
				return res
			}
			info, err := os.Stat(from)
			if err != nil {
				return Failf("cannot move %s: %v", strArg(args, "from"), err)
			}
			if info.IsDir() {
				return Failf("%s is a directory, use folder_move", strArg(args, "from"))
			}
			if _, err := os.Stat(to); err == nil {
				return Failf("%s already exists", strArg(args, "to"))
			}
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return Failf("cannot create destination directory: %v", err)
			}
			if err := os.Rename(from, to); err != nil {
				return Failf("cannot move %s: %v", strArg(args, "from"), err)
			}
			sb := inv.Sandbox()
			relFrom, relTo := sb.Rel(from), sb.Rel(to)
			inv.Changes.RecordFileMove(relFrom, relTo)
			return OKf("moved %s to %s", relFrom, relTo)
		},
	}
}

func folderCreateSpec() Spec {
	return Spec{
		Name:        "folder_create",
		Description: "Create a directory (and any missing parents) inside the knowledge base.",
		InputSchema: objectSchema(map[string]any{
			"path": strProp("Directory path to create."),
		}, "path"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			if info, err := os.Stat(path); err == nil {
				if info.IsDir() {
					return OKf("%s already exists", inv.Sandbox().Rel(path))
				}
				return Failf("%s exists and is a file", strArg(args, "path"))
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return Failf("cannot create %s: %v", strArg(args, "path"), err)
			}
			rel := inv.Sandbox().Rel(path)
			inv.Changes.Record(ChangeFolderCreated, rel)
			return OKf("created %s/", rel)
		},
	}
}

func folderDeleteSpec() Spec {
	return Spec{
		Name:        "folder_delete",
		Description: "Delete a directory. Refuses non-empty directories unless recursive is true.",
		InputSchema: objectSchema(map[string]any{
			"path":      strProp("Directory to delete."),
			"recursive": boolProp("Delete contents too. Default false."),
		}, "path"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			path, res, ok := resolveArg(inv, args, "path")
			if !ok {
				return res
			}
			info, err := os.Stat(path)
			if err != nil {
				return Failf("cannot delete %s: %v", strArg(args, "path"), err)
			}
			if !info.IsDir() {
				return Failf("%s is a file, use file_delete", strArg(args, "path"))
			}
			if path == inv.Sandbox().Boundary() {
				return Fail("refusing to delete the knowledge base root")
			}
			if boolArg(args, "recursive") {
				err = os.RemoveAll(path)
			} else {
				err = os.Remove(path) // fails on non-empty
			}
			if err != nil {
				return Failf("cannot delete %s: %v (pass recursive=true for non-empty directories)", strArg(args, "path"), err)
			}
			rel := inv.Sandbox().Rel(path)
			inv.Changes.Record(ChangeFolderDeleted, rel)
			return OKf("deleted %s/", rel)
		},
	}
}

func folderMoveSpec() Spec {
	return Spec{
		Name:        "folder_move",
		Description: "Move or rename a directory inside the knowledge base. Fails if the destination exists.",
		InputSchema: objectSchema(map[string]any{
			"from": strProp("Current directory path."),
			"to":   strProp("New directory path."),
		}, "from", "to"),
		Handler: func(_ context.Context, inv Invocation, args map[string]any) Result {
			if res, ok := readOnlyGuard(inv); !ok {
				return res
			}
			from, res, ok := resolveArg(inv, args, "from")
			if !ok {
				return res
			}
			to, res, ok := resolveArg(inv, args, "to")
			if !ok {
				return res
			}
			info, err := os.Stat(from)
			if err != nil {
				return Failf("cannot move %s: %v", strArg(args, "from"), err)
			}
			if !info.IsDir() {
				return Failf("%s is a file, use file_move", strArg(args, "from"))
			}
			if from == inv.Sandbox().Boundary() {
				return Fail("refusing to move the knowledge base root")
			}
			if _, err := os.Stat(to); err == nil {
				return Failf("%s already exists", strArg(args, "to"))
			}
			if isPathInside(to, from) {
				return Failf("cannot move %s into itself", strArg(args, "from"))
			}
			if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
				return Failf("cannot create destination directory: %v", err)
			}
			if err := os.Rename(from, to); err != nil {
				return Failf("cannot move %s: %v", strArg(args, "from"), err)
			}
			sb := inv.Sandbox()
			relFrom, relTo := sb.Rel(from), sb.Rel(to)
			inv.Changes.RecordFolderMove(relFrom, relTo)
			return OKf("moved %s/ to %s/", relFrom, relTo)
		},
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

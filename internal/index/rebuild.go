package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/notemill/notemill/internal/kb"
)

const rebuildParallelism = 4

// Rebuild rescans every registered KB from disk.
func (ix *Index) Rebuild(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildParallelism)
	for _, d := range ix.kbs.All() {
		g.Go(func() error { return ix.RebuildKB(ctx, d) })
	}
	return g.Wait()
}

// RebuildKB replaces one KB's rows with what is on disk, then rewrites
// its index.md. The swap is transactional, so searches never observe a
// half-built KB.
func (ix *Index) RebuildKB(ctx context.Context, d kb.Descriptor) error {
	rels, err := listNotes(d.RootPath, kb.TopicsDir)
	if err != nil {
		return fmt.Errorf("scan kb %s: %w", d.ID, err)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE kb_id = ?`, d.ID); err != nil {
		return fmt.Errorf("clear kb rows: %w", err)
	}
	indexed := 0
	for _, rel := range rels {
		full := filepath.Join(d.RootPath, rel)
		info, err := os.Stat(full)
		if err != nil {
			continue // deleted while scanning
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		if len(data) > maxNoteBytes {
			data = data[:maxNoteBytes]
		}
		n := parseNote(rel, string(data))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notes (kb_id, path, title, category, subcategory, tags, mtime, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, rel, n.title, n.category, n.subcategory, n.tags, info.ModTime().Unix(), n.body); err != nil {
			return fmt.Errorf("insert note %s: %w", rel, err)
		}
		indexed++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	slog.Info("index.rebuilt", "kb", d.ID, "notes", indexed)

	return ix.WriteIndexMD(ctx, d)
}

// WriteIndexMD regenerates the KB's table of contents from the index:
// categories as sections, subcategories as subsections, one link per
// note. The write is atomic (tmp file plus rename).
func (ix *Index) WriteIndexMD(ctx context.Context, d kb.Descriptor) error {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT path, title, category, subcategory
		FROM notes WHERE kb_id = ?
		ORDER BY category, subcategory, path`, d.ID)
	if err != nil {
		return fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString("# Index\n")
	count := 0
	lastCat := "\x00"
	lastSub := ""
	for rows.Next() {
		var p, title, cat, sub string
		if err := rows.Scan(&p, &title, &cat, &sub); err != nil {
			return fmt.Errorf("scan note: %w", err)
		}
		if cat != lastCat {
			fmt.Fprintf(&b, "\n## %s\n", orStr(cat, "uncategorized"))
			lastCat = cat
			lastSub = ""
		}
		if sub != "" && sub != lastSub {
			fmt.Fprintf(&b, "\n### %s\n", sub)
			lastSub = sub
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", orStr(title, p), p)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list notes: %w", err)
	}
	if count == 0 {
		b.WriteString("\nNo notes yet.\n")
	}

	target := filepath.Join(d.RootPath, kb.IndexFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write index.md: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace index.md: %w", err)
	}
	return nil
}

// indexTree indexes every markdown note in one on-disk subtree.
func (ix *Index) indexTree(ctx context.Context, d kb.Descriptor, rel string) error {
	rels, err := listNotes(d.RootPath, rel)
	if err != nil {
		return err
	}
	for _, r := range rels {
		if err := ix.IndexFile(ctx, d, r); err != nil {
			return err
		}
	}
	return nil
}

// listNotes walks root/sub and returns the KB-relative slash paths of
// all markdown files. A missing subtree is empty, not an error.
func listNotes(root, sub string) ([]string, error) {
	base := filepath.Join(root, sub)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}
	var rels []string
	err := filepath.WalkDir(base, func(p string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

func orStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

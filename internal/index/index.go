// Package index maintains the sqlite note index behind kb_search_content
// and the generated per-KB index.md. It follows the event bus: every KB
// mutation keeps the index current, a git pull or maintenance job
// triggers a full rescan.
package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
	"github.com/notemill/notemill/internal/tools"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxNoteBytes caps how much of one note body is indexed.
const maxNoteBytes = 1 << 20

// Index owns the note database. Safe for concurrent use; writes
// serialize on a single connection.
type Index struct {
	db  *sql.DB
	kbs *kb.Registry
}

// Open opens (or creates) the index database at dbPath and applies the
// embedded migrations. kbs resolves event and rebuild targets.
func Open(dbPath string, kbs *kb.Registry) (*Index, error) {
	if kbs == nil {
		return nil, fault.New(fault.Validation, "index: nil kb registry")
	}
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// instead of retrying around it.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("index.opened", "path", dbPath)
	return &Index{db: db, kbs: kbs}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the database.
func (ix *Index) Close() error { return ix.db.Close() }

// IndexFile parses one note on disk and upserts its row. Non-markdown
// paths and paths outside topics/ are ignored.
func (ix *Index) IndexFile(ctx context.Context, d kb.Descriptor, rel string) error {
	if !indexable(rel) {
		return nil
	}
	full := filepath.Join(d.RootPath, rel)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			// Created and deleted within one run. Drop any stale row.
			return ix.Remove(ctx, d.ID, rel)
		}
		return fmt.Errorf("stat note: %w", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("read note: %w", err)
	}
	if len(data) > maxNoteBytes {
		data = data[:maxNoteBytes]
	}
	n := parseNote(rel, string(data))

	_, err = ix.db.ExecContext(ctx, `
		INSERT INTO notes (kb_id, path, title, category, subcategory, tags, mtime, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kb_id, path) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			subcategory = excluded.subcategory,
			tags = excluded.tags,
			mtime = excluded.mtime,
			body = excluded.body`,
		d.ID, rel, n.title, n.category, n.subcategory, n.tags, info.ModTime().Unix(), n.body)
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// Remove drops one note row.
func (ix *Index) Remove(ctx context.Context, kbID, rel string) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM notes WHERE kb_id = ? AND path = ?`, kbID, rel)
	if err != nil {
		return fmt.Errorf("remove note: %w", err)
	}
	return nil
}

// RemoveTree drops every note under prefix (a KB-relative folder path).
func (ix *Index) RemoveTree(ctx context.Context, kbID, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/")
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM notes WHERE kb_id = ? AND path LIKE ? ESCAPE '\'`,
		kbID, likeEscape(prefix)+`/%`)
	if err != nil {
		return fmt.Errorf("remove tree: %w", err)
	}
	return nil
}

// NoteCount returns how many notes one KB has indexed.
func (ix *Index) NoteCount(ctx context.Context, kbID string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE kb_id = ?`, kbID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}

// SearchContent is the tools.ContentSearcher implementation behind
// kb_search_content: full-text match over title, tags and body, best
// matches first.
func (ix *Index) SearchContent(ctx context.Context, kbID, query string, limit int) ([]tools.ContentHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, fault.New(fault.Validation, "index: empty search query")
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT n.path, n.title, snippet(notes_fts, 2, '', '', ' ... ', 12)
		FROM notes_fts
		JOIN notes n ON n.rowid = notes_fts.rowid
		WHERE notes_fts MATCH ? AND n.kb_id = ?
		ORDER BY rank
		LIMIT ?`,
		match, kbID, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var hits []tools.ContentHit
	for rows.Next() {
		var h tools.ContentHit
		if err := rows.Scan(&h.Path, &h.Title, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Snippet = strings.Join(strings.Fields(h.Snippet), " ")
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	return hits, nil
}

// note is one parsed markdown file.
type note struct {
	title       string
	category    string
	subcategory string
	tags        string
	body        string
}

// parseNote extracts the indexed fields. The metadata block wins for
// category and subcategory; the path supplies them otherwise.
func parseNote(rel, markdown string) note {
	meta, _ := kb.ExtractMetadata(markdown)
	n := note{
		category:    meta.Category,
		subcategory: meta.Subcategory,
		tags:        strings.Join(meta.Tags, ", "),
		body:        markdown,
	}

	n.title = meta.Title
	if n.title == "" {
		n.title = kb.Title(markdown)
	}
	base := path.Base(rel)
	if n.title == "" {
		n.title = strings.TrimSuffix(base, path.Ext(base))
	}

	// topics/<category>/<subcategory>/<file>
	parts := strings.Split(rel, "/")
	if n.category == "" && len(parts) >= 3 {
		n.category = parts[1]
	}
	if n.subcategory == "" && len(parts) >= 4 {
		n.subcategory = parts[2]
	}
	return n
}

// indexable restricts the index to markdown notes under topics/.
func indexable(rel string) bool {
	return strings.HasPrefix(rel, kb.TopicsDir+"/") && strings.HasSuffix(rel, ".md")
}

// ftsQuery turns free text into an FTS5 match expression: each token
// quoted, all tokens required. Quoting neutralizes operator syntax in
// user input.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/notemill/notemill/internal/fault"
)

// ServerDef is one server definition file. Exactly one of Command
// (stdio) or URL (SSE) must be set. Unknown fields are ignored so
// definitions written for newer versions still load.
type ServerDef struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	TimeoutMS   int               `json:"timeout,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled; only an explicit false
// disables a definition.
func (d ServerDef) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// TransportKind reports "stdio" or "sse" from the populated fields.
func (d ServerDef) TransportKind() string {
	if d.Command != "" {
		return "stdio"
	}
	return "sse"
}

// Timeout converts the per-server timeout, zero when unset.
func (d ServerDef) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// Validate enforces the required fields. Loading is strict about these
// and lenient about everything else.
func (d ServerDef) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fault.New(fault.Validation, "server definition missing name")
	}
	if strings.ContainsAny(d.Name, " \t/\\") {
		return fault.Newf(fault.Validation, "server name %q contains separators", d.Name)
	}
	if d.Command == "" && d.URL == "" {
		return fault.Newf(fault.Validation, "server %q defines neither command nor url", d.Name)
	}
	if d.Command != "" && d.URL != "" {
		return fault.Newf(fault.Validation, "server %q defines both command and url", d.Name)
	}
	if d.TimeoutMS < 0 {
		return fault.Newf(fault.Validation, "server %q has negative timeout", d.Name)
	}
	return nil
}

// newTransport builds the matching transport factory for a definition.
func (d ServerDef) newTransport() TransportFactory {
	if d.Command != "" {
		return func() Transport {
			return NewStdioTransport(d.Name, d.Command, d.Args, d.Env)
		}
	}
	return func() Transport {
		return NewSSETransport(d.Name, d.URL)
	}
}

// Registry resolves the server definitions visible to a user: the
// shared directory plus the user's own directory, where a user
// definition with the same name shadows the shared one.
type Registry struct {
	sharedDir string
	usersDir  string
}

// NewRegistry points at the shared and per-user definition roots.
func NewRegistry(sharedDir, usersDir string) *Registry {
	return &Registry{sharedDir: sharedDir, usersDir: usersDir}
}

// Shared loads the shared definitions.
func (r *Registry) Shared() ([]ServerDef, error) {
	return LoadDir(r.sharedDir)
}

// ForUser loads the merged definition set for one user.
func (r *Registry) ForUser(userID int64) ([]ServerDef, error) {
	shared, err := LoadDir(r.sharedDir)
	if err != nil {
		return nil, err
	}
	personal, err := LoadDir(r.userDir(userID))
	if err != nil {
		return nil, err
	}
	return MergeDefs(shared, personal), nil
}

func (r *Registry) userDir(userID int64) string {
	return filepath.Join(r.usersDir, strconv.FormatInt(userID, 10))
}

// WatchDirs lists every directory a change watcher should observe:
// the shared root, the per-user root, and existing user directories.
func (r *Registry) WatchDirs() []string {
	dirs := []string{r.sharedDir, r.usersDir}
	entries, err := os.ReadDir(r.usersDir)
	if err != nil {
		return dirs
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(r.usersDir, e.Name()))
		}
	}
	return dirs
}

// LoadDir reads every *.json definition in dir. A missing directory is
// an empty set. A file that fails to parse or validate is skipped with
// a warning so one bad definition cannot take down the rest.
func LoadDir(dir string) ([]ServerDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindOf(err), "mcp.registry.load", err)
	}

	var defs []ServerDef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("mcp.registry.unreadable", "path", path, "error", err)
			continue
		}
		var def ServerDef
		if err := json.Unmarshal(data, &def); err != nil {
			slog.Warn("mcp.registry.malformed", "path", path, "error", err)
			continue
		}
		if err := def.Validate(); err != nil {
			slog.Warn("mcp.registry.invalid", "path", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// MergeDefs overlays personal definitions on shared ones by name.
func MergeDefs(shared, personal []ServerDef) []ServerDef {
	byName := make(map[string]ServerDef, len(shared)+len(personal))
	for _, d := range shared {
		byName[d.Name] = d
	}
	for _, d := range personal {
		byName[d.Name] = d
	}
	out := make([]ServerDef, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WriteDef saves a definition file, used by the init command to seed
// examples.
func WriteDef(dir string, def ServerDef) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.Permanent, "mcp.registry.write", err)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Permanent, "mcp.registry.write", err)
	}
	path := filepath.Join(dir, def.Name+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fault.Wrap(fault.Permanent, "mcp.registry.write", err)
	}
	return nil
}

// String implements a compact description for status output.
func (d ServerDef) String() string {
	target := d.Command
	if target == "" {
		target = d.URL
	}
	return fmt.Sprintf("%s (%s: %s)", d.Name, d.TransportKind(), target)
}

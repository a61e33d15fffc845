package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PluginManifest is one *.json file in the plugin directory. Each manifest
// describes a command-line tool exposed to the agent: the declared command
// is run with the JSON-encoded arguments on stdin and its stdout becomes
// the tool result (spec §9: "a single plug-in directory scan that produces
// such records").
type PluginManifest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Command     string                 `json:"command"`
	Args        []string               `json:"args,omitempty"`
	TimeoutSec  int                    `json:"timeout_sec,omitempty"`
	Checked     bool                   `json:"checked,omitempty"` // route through the Safety Gate
}

// PluginTool executes one manifest-declared command.
type PluginTool struct {
	manifest PluginManifest
}

func (t *PluginTool) Name() string        { return t.manifest.Name }
func (t *PluginTool) Description() string { return t.manifest.Description }
func (t *PluginTool) Parameters() map[string]interface{} {
	if t.manifest.Parameters == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.manifest.Parameters
}

func (t *PluginTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	timeout := time.Duration(t.manifest.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, _ := json.Marshal(args)
	cmd := exec.CommandContext(ctx, t.manifest.Command, t.manifest.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return Errorf("plugin %s failed: %v\n%s", t.manifest.Name, err, errBuf.String())
	}
	return Text("%s", strings.TrimSpace(out.String()))
}

// PluginLoader scans a plugin directory for manifests and keeps the
// registry in sync as files change, via fsnotify.
type PluginLoader struct {
	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher
	loaded   map[string]string // manifest path → tool name
}

// NewPluginLoader creates a loader over dir. A missing directory is not an
// error: plugins are optional.
func NewPluginLoader(dir string, registry *Registry) *PluginLoader {
	return &PluginLoader{dir: dir, registry: registry, loaded: make(map[string]string)}
}

// Scan performs the one-shot directory scan, registering a tool per valid
// manifest. Returns the number of tools registered.
func (l *PluginLoader) Scan() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("plugins.scan_failed", "dir", l.dir, "error", err)
		}
		return 0
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		if l.loadManifest(path) {
			count++
		}
	}
	return count
}

func (l *PluginLoader) loadManifest(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("plugins.read_failed", "path", path, "error", err)
		return false
	}
	var m PluginManifest
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("plugins.bad_manifest", "path", path, "error", err)
		return false
	}
	if m.Name == "" || m.Command == "" {
		slog.Warn("plugins.incomplete_manifest", "path", path)
		return false
	}

	l.registry.Register(&PluginTool{manifest: m})
	if m.Checked {
		MarkChecked(m.Name)
	}
	l.loaded[path] = m.Name
	slog.Info("plugins.registered", "name", m.Name, "checked", m.Checked)
	return true
}

func (l *PluginLoader) unloadManifest(path string) {
	if name, ok := l.loaded[path]; ok {
		l.registry.Unregister(name)
		delete(l.loaded, path)
		slog.Info("plugins.unregistered", "name", name)
	}
}

// Watch re-scans on filesystem changes until ctx ends. Best-effort: if the
// watch cannot be established the initial Scan results simply stay static.
func (l *PluginLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugins: watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("plugins: watch %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				switch {
				case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
					l.unloadManifest(ev.Name)
				case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
					l.unloadManifest(ev.Name)
					l.loadManifest(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("plugins.watch_error", "error", err)
			}
		}
	}()
	return nil
}

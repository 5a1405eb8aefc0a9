package converter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"redforge/internal/logging"
)

// Plugin converters are Go snippets interpreted at load time with
// Yaegi instead of compiled in. Interpretation avoids a build step
// for operator-supplied transforms and keeps them sandboxed: only a
// whitelist of stdlib packages is importable, so a plugin cannot
// touch the filesystem, network or exec.

// pluginAllowedPackages is the import whitelist for plugin snippets.
var pluginAllowedPackages = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"net/url":         true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
	"unicode/utf8":    true,

	// Blocked: os, os/exec, net, net/http, syscall, unsafe, io/ioutil.
}

// LoadPlugin reads a plugin snippet from path and registers it. The
// snippet must define `func Transform(text string) (string, error)`.
// The converter name is the file's base name; a `// category:` comment
// line overrides the default /obfuscation category.
func (r *Registry) LoadPlugin(path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading plugin %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	conv, err := compilePlugin(name, string(code))
	if err != nil {
		return fmt.Errorf("plugin %s: %w", name, err)
	}

	if err := r.Register(conv); err != nil {
		return err
	}
	logging.Converter("Loaded plugin converter %q from %s", name, path)
	return nil
}

// LoadPluginDir loads every .go file in dir as a plugin. A broken
// plugin is logged and skipped; the rest still load.
func (r *Registry) LoadPluginDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading plugin dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		if err := r.LoadPlugin(filepath.Join(dir, entry.Name())); err != nil {
			logging.Get(logging.CategoryConverter).Warn("Skipping plugin: %v", err)
		}
	}
	return nil
}

// compilePlugin validates and interprets a snippet into a Converter.
func compilePlugin(name, code string) (Converter, error) {
	if err := validatePluginImports(code); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapPluginCode(code)); err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Transform")
	if err != nil {
		return nil, fmt.Errorf("Transform function not found: %w", err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("Transform has wrong signature (expected func(string) (string, error))")
	}

	category := pluginCategory(code)
	safe := func(text string) (out string, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("plugin panicked: %v", rec)
			}
		}()
		return fn(text)
	}
	return NewFunc(name, category, safe), nil
}

// validatePluginImports rejects snippets importing outside the
// whitelist.
func validatePluginImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			imports = append(imports, pkg)
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !pluginAllowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapPluginCode wraps bare snippets in a main package.
func wrapPluginCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}

// pluginCategory reads an optional "// category: escape" comment.
func pluginCategory(code string) Category {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "// category:") {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(trimmed, "// category:"))
		val = "/" + strings.TrimPrefix(val, "/")
		switch c := Category(val); c {
		case CategoryEncoding, CategoryObfuscation, CategoryEscape, CategoryLinguistic, CategorySelective:
			return c
		}
	}
	return CategoryObfuscation
}

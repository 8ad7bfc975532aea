// Package tcb checks structural import boundaries inside the module.
//
// A Rule names a guarded package directory and a set of forbidden import
// path fragments. The check follows module-internal imports transitively, so
// a guarded package cannot reach a forbidden package through an intermediary.
// Test files are ignored.
package tcb

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Rule guards one package directory (relative to the module root).
type Rule struct {
	Package   string
	Forbidden []string
}

// Violation is one forbidden reachability.
type Violation struct {
	Package string   // guarded package dir
	Import  string   // offending import path
	Via     []string // module-internal chain from the guarded package, inclusive
	File    string
	Line    int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (reached from %s via %s)",
		v.File, v.Line, v.Import, v.Package, strings.Join(v.Via, " -> "))
}

// DefaultRules are the control-plane boundaries: the skill pipeline and
// webhook ingestion must never reach execution or token issuance.
func DefaultRules() []Rule {
	return []Rule{
		{
			Package:   "pkg/skills",
			Forbidden: []string{"pkg/executor", "pkg/capabilities", "pkg/controlplane", "pkg/tasks", "pkg/export", "pkg/usage", "net/http", "database/sql"},
		},
		{
			Package:   "pkg/webhook",
			Forbidden: []string{"pkg/executor", "pkg/controlplane", "pkg/approval"},
		},
	}
}

type importRef struct {
	path string
	file string
	line int
}

// Checker walks a module tree.
type Checker struct {
	root       string
	modulePath string
	imports    map[string][]importRef // package dir -> imports
}

// NewChecker parses every non-test Go file under root. root must contain go.mod.
func NewChecker(root string) (*Checker, error) {
	modPath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}
	c := &Checker{root: root, modulePath: modPath, imports: make(map[string][]importRef)}
	fset := token.NewFileSet()

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			name := info.Name()
			if path != root && (name == "vendor" || name == "testdata" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		f, perr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if perr != nil {
			return fmt.Errorf("tcb: parse %s: %w", path, perr)
		}
		rel, _ := filepath.Rel(root, filepath.Dir(path))
		rel = filepath.ToSlash(rel)
		for _, imp := range f.Imports {
			pos := fset.Position(imp.Pos())
			relFile, _ := filepath.Rel(root, pos.Filename)
			c.imports[rel] = append(c.imports[rel], importRef{
				path: strings.Trim(imp.Path.Value, `"`),
				file: filepath.ToSlash(relFile),
				line: pos.Line,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Check evaluates rules and returns every violation in a stable order.
func (c *Checker) Check(rules []Rule) []Violation {
	var out []Violation
	for _, r := range rules {
		out = append(out, c.checkRule(r)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

func (c *Checker) checkRule(r Rule) []Violation {
	type item struct {
		dir string
		via []string
	}
	var out []Violation
	seen := map[string]bool{r.Package: true}
	queue := []item{{dir: r.Package, via: []string{r.Package}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, imp := range c.imports[cur.dir] {
			for _, frag := range r.Forbidden {
				if strings.Contains(imp.path, frag) {
					out = append(out, Violation{
						Package: r.Package,
						Import:  imp.path,
						Via:     append([]string(nil), cur.via...),
						File:    imp.file,
						Line:    imp.line,
					})
				}
			}
			dir, ok := c.localDir(imp.path)
			if !ok || seen[dir] {
				continue
			}
			seen[dir] = true
			queue = append(queue, item{dir: dir, via: append(append([]string(nil), cur.via...), dir)})
		}
	}
	return out
}

func (c *Checker) localDir(importPath string) (string, bool) {
	if !strings.HasPrefix(importPath, c.modulePath+"/") {
		return "", false
	}
	return strings.TrimPrefix(importPath, c.modulePath+"/"), true
}

func readModulePath(goMod string) (string, error) {
	data, err := os.ReadFile(goMod)
	if err != nil {
		return "", fmt.Errorf("tcb: read go.mod: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "module ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "module ")), nil
		}
	}
	return "", fmt.Errorf("tcb: no module directive in %s", goMod)
}

// Package main implements an import layering linter.
//
// The domain core (entity types, canonical JSON, the appliesWhen DSL and the
// coverage gate) must stay free of storage, transport and pipeline imports so
// it can be evaluated anywhere a rule is consumed.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// rule forbids imports containing any fragment from non-test files under dir.
type rule struct {
	dir       string
	forbidden []string
}

var rules = []rule{
	{dir: "pkg/model", forbidden: []string{"regtruth/pkg/", "database/sql", "net/http"}},
	{dir: "pkg/canonicalize", forbidden: []string{"regtruth/pkg/store", "database/sql", "net/http"}},
	{dir: "pkg/applieswhen", forbidden: []string{"regtruth/pkg/store", "regtruth/pkg/harness", "database/sql", "go-redis", "go-openai"}},
	{dir: "pkg/coverage", forbidden: []string{"regtruth/pkg/store", "regtruth/pkg/harness", "database/sql"}},
	{dir: "pkg", forbidden: []string{"regtruth/cmd/", "regtruth/tools/"}},
}

type violation struct {
	file   string
	line   int
	path   string
	reason string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.file, v.line, v.path, v.reason)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations, err := check(*root, rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
	for _, v := range violations {
		fmt.Println("LAYER VIOLATION:", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n%d layering violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("layering check passed")
}

func check(root string, rules []rule) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()
	for _, r := range rules {
		dir := filepath.Join(root, filepath.FromSlash(r.dir))
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("%s does not exist", dir)
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				// test helper packages such as storetest are exempt
				if info.Name() == "testdata" || strings.HasSuffix(info.Name(), "test") && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range r.forbidden {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, violation{
							file: filepath.ToSlash(rel), line: fset.Position(imp.Pos()).Line,
							path: importPath, reason: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

package script

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListNames returns the sorted stems of every ".go" source file directly
// under dir, one entry per registered process, skipping the compiled
// ".so" plugins that sit alongside them.
func ListNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read process directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".go" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".go"))
	}
	sort.Strings(names)
	return names, nil
}

// SourcePath resolves name to its ".go" source file under dir.
func SourcePath(dir, name string) string {
	return filepath.Join(dir, name+".go")
}

// PluginPath resolves name to its compiled ".so" plugin file under dir.
func PluginPath(dir, name string) string {
	return filepath.Join(dir, name+".so")
}

// Doc extracts the doc comment attached to entrypoint's declaration in the
// source file at path, with any scheduling directive line stripped out.
// It returns "" if the function has no doc comment.
func Doc(path, entrypoint string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}

	var fn *ast.FuncDecl
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Name.Name == entrypoint {
			fn = fd
			break
		}
	}
	if fn == nil {
		return "", fmt.Errorf("no function %q declared in %s", entrypoint, path)
	}
	if fn.Doc == nil {
		return "", nil
	}

	var lines []string
	for _, c := range fn.Doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		if strings.HasPrefix(text, directivePrefix) {
			continue
		}
		lines = append(lines, text)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

package script

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/types"
)

// Directive is the scheduling intent a script declares for itself, read
// at submission time so the API can route the task without running it.
type Directive struct {
	Queue   string
	Wait    bool
	Timeout int
}

const directivePrefix = "//foundry:schedule"

// Inspect parses the source file at path (not the compiled plugin) and
// confirms a function declaration named entrypoint exists, returning any
// scheduling directive attached to it.
func Inspect(path, entrypoint string) (*Directive, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var fn *ast.FuncDecl
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Name.Name == entrypoint {
			fn = fd
			break
		}
	}
	if fn == nil {
		return nil, fmt.Errorf("no function %q declared in %s", entrypoint, path)
	}

	dir := &Directive{Queue: types.QueueCPU}
	if fn.Doc != nil {
		if d, ok := directiveFromComment(fn.Doc); ok {
			dir = d
		}
	}
	if call, ok := scheduleCallFor(file, entrypoint); ok {
		dir = directiveFromCall(call)
	}

	if dir.Wait && dir.Queue == "" {
		dir.Queue = types.QueueControl
	}
	if dir.Queue == "" {
		dir.Queue = types.QueueCPU
	}
	return dir, nil
}

// directiveFromComment parses a "//foundry:schedule key=value ..." line
// out of a doc comment block.
func directiveFromComment(doc *ast.CommentGroup) (*Directive, bool) {
	for _, c := range doc.List {
		text := strings.TrimSpace(c.Text)
		if !strings.HasPrefix(text, directivePrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(text, directivePrefix))
		dir := &Directive{}
		for _, field := range strings.Fields(rest) {
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch k {
			case "queue":
				dir.Queue = v
			case "wait":
				dir.Wait = v == "true"
			case "timeout":
				if n, err := strconv.Atoi(v); err == nil {
					dir.Timeout = n
				}
			}
		}
		return dir, true
	}
	return nil, false
}

// scheduleCallFor looks anywhere in the file for a call expression
// "schedule(entrypointName, Directive{...})" — the call-based alternative
// to the comment directive, typically placed in an init() function next
// to the entrypoint it configures.
func scheduleCallFor(file *ast.File, entrypoint string) (*ast.CallExpr, bool) {
	var found *ast.CallExpr
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		ident, ok := call.Fun.(*ast.Ident)
		if !ok || ident.Name != "schedule" || len(call.Args) < 2 {
			return true
		}
		nameLit, ok := call.Args[0].(*ast.BasicLit)
		if !ok || strings.Trim(nameLit.Value, `"`) != entrypoint {
			return true
		}
		found = call
		return false
	})
	return found, found != nil
}

func directiveFromCall(call *ast.CallExpr) *Directive {
	dir := &Directive{}
	log := logging.WithComponent("script.inspect")
	for _, arg := range call.Args {
		composite, ok := arg.(*ast.CompositeLit)
		if !ok {
			continue
		}
		for _, elt := range composite.Elts {
			kv, ok := elt.(*ast.KeyValueExpr)
			if !ok {
				continue
			}
			key, ok := kv.Key.(*ast.Ident)
			if !ok {
				continue
			}
			lit, ok := kv.Value.(*ast.BasicLit)
			if !ok {
				log.Warn().Str("field", key.Name).Msg("non-literal schedule() field skipped")
				continue
			}
			switch key.Name {
			case "Queue":
				dir.Queue = strings.Trim(lit.Value, `"`)
			case "Wait":
				dir.Wait = lit.Value == "true"
			case "Timeout":
				if n, err := strconv.Atoi(lit.Value); err == nil {
					dir.Timeout = n
				}
			}
		}
	}
	return dir
}

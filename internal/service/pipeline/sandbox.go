package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	defaultTransformMaxSteps = uint64(200_000)
	defaultTransformTimeout  = 2 * time.Second
	maxTransformSourceBytes  = 512 * 1024
	maxTransformOutputBytes  = 64 * 1024 * 1024
)

// QueryFunc resolves a nested named query from inside transformer code.
type QueryFunc func(id string, vars map[string]any) (domain.PipelineResult, error)

// Sandbox runs user-authored transformer code in a restricted Starlark
// interpreter. The code sees exactly three bindings: the fetched data,
// a JSONPath helper, and a nested-query callback. Nothing else from the
// host is reachable.
type Sandbox struct {
	maxSteps    uint64
	timeout     time.Duration
	maxSrcBytes int
	maxOutBytes int
	paths       gval.Language
}

// NewSandbox builds a sandbox with the given interpreter limits.
// Non-positive limits fall back to the defaults.
func NewSandbox(maxSteps int64, timeout time.Duration) *Sandbox {
	s := &Sandbox{
		maxSteps:    defaultTransformMaxSteps,
		timeout:     defaultTransformTimeout,
		maxSrcBytes: maxTransformSourceBytes,
		maxOutBytes: maxTransformOutputBytes,
		paths:       gval.Full(jsonpath.PlaceholderExtension()),
	}
	if maxSteps > 0 {
		s.maxSteps = uint64(maxSteps)
	}
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

// Transform renders code as the body of `def transform(data, q, query)`,
// executes it against raw, and shapes the return value into a
// PipelineResult. shared is optional module-level helper source placed
// above the definition. A dict return maps result keys to row lists; a
// list return replaces the rows of raw's sole key (or "result" when raw
// has several keys). Compile failures come back as *domain.ParseError,
// everything at run time as *domain.TransformError.
func (s *Sandbox) Transform(code, shared string, raw domain.PipelineResult, queryFn QueryFunc) (domain.PipelineResult, error) {
	src, err := renderTransformSource(code, shared)
	if err != nil {
		return nil, err
	}
	if len(src) > s.maxSrcBytes {
		return nil, domain.ErrParse("transformer source exceeds %d bytes", s.maxSrcBytes)
	}

	thread := &starlark.Thread{Name: "transform-module"}
	thread.SetMaxExecutionSteps(s.maxSteps)
	var globals starlark.StringDict
	if err := runStarlarkWithTimeout(thread, s.timeout, func() error {
		loaded, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "transform.star", src, nil)
		if err != nil {
			return err
		}
		globals = loaded
		return nil
	}); err != nil {
		return nil, domain.ErrParse("load transformer: %v", err)
	}

	callable, ok := globals["transform"]
	if !ok {
		return nil, domain.ErrParse("transformer source did not define transform")
	}

	tree := resultTree(raw)
	dataVal, err := goToStarlark(tree)
	if err != nil {
		return nil, domain.ErrTransform("convert data: %v", err)
	}
	args := starlark.Tuple{
		dataVal,
		starlark.NewBuiltin("q", s.jsonPathFn(tree)),
		starlark.NewBuiltin("query", nestedQueryFn(queryFn)),
	}

	thread = &starlark.Thread{Name: "transform-call"}
	thread.SetMaxExecutionSteps(s.maxSteps)
	var out starlark.Value
	if err := runStarlarkWithTimeout(thread, s.timeout, func() error {
		result, err := starlark.Call(thread, callable, args, nil)
		if err != nil {
			return err
		}
		out = result
		return nil
	}); err != nil {
		return nil, domain.ErrTransform("%v", err)
	}

	shaped, err := shapeTransformResult(out, raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(shaped)
	if err != nil {
		return nil, domain.ErrTransform("encode result: %v", err)
	}
	if len(encoded) > s.maxOutBytes {
		return nil, domain.ErrTransform("transformer result exceeds %d bytes", s.maxOutBytes)
	}
	return shaped, nil
}

// jsonPathFn builds the q(path, value=None) binding. Paths are JSONPath
// expressions evaluated against value when given, otherwise against the
// full data tree. A path that matches nothing yields None.
func (s *Sandbox) jsonPathFn(tree map[string]any) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		var value starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "value?", &value); err != nil {
			return nil, err
		}
		doc := any(tree)
		if value != starlark.None {
			converted, err := starlarkToGo(value)
			if err != nil {
				return nil, fmt.Errorf("q: %v", err)
			}
			doc = converted
		}
		eval, err := s.paths.NewEvaluable(path)
		if err != nil {
			return nil, fmt.Errorf("q: invalid path %q: %v", path, err)
		}
		found, err := eval(context.Background(), doc)
		if err != nil {
			return starlark.None, nil
		}
		return goToStarlark(found)
	}
}

// nestedQueryFn builds the query(id, vars=None) binding.
func nestedQueryFn(queryFn QueryFunc) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id string
		var vars starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id, "vars?", &vars); err != nil {
			return nil, err
		}
		if queryFn == nil {
			return nil, fmt.Errorf("query: nested queries are not available here")
		}
		var overrides map[string]any
		if vars != starlark.None {
			converted, err := starlarkToGo(vars)
			if err != nil {
				return nil, fmt.Errorf("query: %v", err)
			}
			m, ok := converted.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("query: vars must be a dict, got %s", vars.Type())
			}
			overrides = m
		}
		nested, err := queryFn(id, overrides)
		if err != nil {
			return nil, fmt.Errorf("query %q: %v", id, err)
		}
		return goToStarlark(resultTree(nested))
	}
}

func renderTransformSource(code, shared string) (string, error) {
	body := strings.TrimSpace(code)
	if body == "" {
		return "", domain.ErrParse("transformer source is empty")
	}

	var b strings.Builder
	if helpers := strings.TrimSpace(shared); helpers != "" {
		b.WriteString(helpers)
		b.WriteString("\n\n")
	}
	b.WriteString("def transform(data, q, query):\n")

	lines := strings.Split(body, "\n")
	if len(lines) == 1 && !looksLikeStatement(lines[0]) {
		b.WriteString("    return ")
		b.WriteString(strings.TrimSpace(lines[0]))
		b.WriteByte('\n')
		return b.String(), nil
	}
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			b.WriteString("    \n")
			continue
		}
		b.WriteString("    ")
		b.WriteString(trimmed)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func looksLikeStatement(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, prefix := range []string{"return ", "if ", "for ", "while ", "def ", "pass", "break", "continue", "load("} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return looksLikeAssignment(trimmed)
}

// looksLikeAssignment reports whether line contains a top-level `=` that
// is not part of a comparison operator.
func looksLikeAssignment(line string) bool {
	idx := findTopLevelEquals(line)
	if idx <= 0 || idx >= len(line)-1 {
		return false
	}
	if line[idx+1] == '=' {
		return false
	}
	switch line[idx-1] {
	case '=', '!', '<', '>':
		return false
	}
	return true
}

func findTopLevelEquals(s string) int {
	inSingle := false
	inDouble := false
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '(', '[', '{':
			if !inSingle && !inDouble {
				depth++
			}
		case ')', ']', '}':
			if !inSingle && !inDouble && depth > 0 {
				depth--
			}
		case '=':
			if !inSingle && !inDouble && depth == 0 {
				return i
			}
		}
	}
	return -1
}

func runStarlarkWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("transformer timed out")
		err := <-done
		if err != nil {
			return fmt.Errorf("transformer timed out after %s: %v", timeout, err)
		}
		return fmt.Errorf("transformer timed out after %s", timeout)
	}
}

// resultTree flattens a PipelineResult into the plain map/slice tree that
// both the Starlark converter and the JSONPath evaluator traverse.
func resultTree(result domain.PipelineResult) map[string]any {
	tree := make(map[string]any, len(result))
	for key, rows := range result {
		items := make([]any, len(rows))
		for i, row := range rows {
			items[i] = map[string]any(row)
		}
		tree[key] = items
	}
	return tree
}

func goToStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		return starlark.Float(t), nil
	case []any:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			ev, err := goToStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = ev
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(t))
		for _, k := range keys {
			kv, err := goToStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), kv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case domain.Row:
		return goToStarlark(map[string]any(t))
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

func starlarkToGo(v starlark.Value) (any, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		if n, ok := t.Int64(); ok {
			return n, nil
		}
		f, _ := starlark.AsFloat(t)
		return f, nil
	case starlark.Float:
		return float64(t), nil
	case *starlark.List:
		out := make([]any, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			e, err := starlarkToGo(t.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(t))
		for _, e := range t {
			converted, err := starlarkToGo(e)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, t.Len())
		for _, item := range t.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			val, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported starlark value of type %s", v.Type())
	}
}

func shapeTransformResult(out starlark.Value, raw domain.PipelineResult) (domain.PipelineResult, error) {
	switch v := out.(type) {
	case *starlark.Dict:
		shaped := make(domain.PipelineResult, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, domain.ErrTransform("result key must be a string, got %s", item[0].Type())
			}
			rows, err := shapeRows(item[1])
			if err != nil {
				return nil, domain.ErrTransform("result key %q: %v", key, err)
			}
			shaped[key] = rows
		}
		return shaped, nil
	case *starlark.List, starlark.Tuple:
		rows, err := shapeRows(v)
		if err != nil {
			return nil, domain.ErrTransform("%v", err)
		}
		key, ok := raw.SoleKey()
		if !ok {
			key = "result"
		}
		return domain.PipelineResult{key: rows}, nil
	default:
		return nil, domain.ErrTransform("transformer must return a dict or a list, got %s", out.Type())
	}
}

func shapeRows(v starlark.Value) ([]domain.Row, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return []domain.Row{}, nil
	case *starlark.Dict:
		row, err := shapeRow(t)
		if err != nil {
			return nil, err
		}
		return []domain.Row{row}, nil
	case *starlark.List:
		rows := make([]domain.Row, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			dict, ok := t.Index(i).(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("row %d is %s, want dict", i, t.Index(i).Type())
			}
			row, err := shapeRow(dict)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	case starlark.Tuple:
		rows := make([]domain.Row, 0, len(t))
		for i, e := range t {
			dict, ok := e.(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("row %d is %s, want dict", i, e.Type())
			}
			row, err := shapeRow(dict)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("rows must be a list or a dict, got %s", v.Type())
	}
}

func shapeRow(dict *starlark.Dict) (domain.Row, error) {
	converted, err := starlarkToGo(dict)
	if err != nil {
		return nil, err
	}
	return domain.Row(converted.(map[string]any)), nil
}

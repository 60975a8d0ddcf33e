package graphql

import (
	"encoding/json"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// Selections returns the top-level selection names of the document's first
// executable operation, in document order. GraphQL responses key their data
// object by alias when one is present, so aliases win over field names.
func Selections(body string) ([]string, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: body})
	if err != nil {
		return nil, domain.ErrParse("parse query: %v", err)
	}

	for _, op := range doc.Operations {
		var names []string
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			name := field.Alias
			if name == "" {
				name = field.Name
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			return nil, domain.ErrParse("operation has no top-level field selections")
		}
		return names, nil
	}
	return nil, domain.ErrParse("document has no executable operation")
}

// Validate checks that body parses as a GraphQL executable document.
func Validate(body string) error {
	if _, err := parser.ParseQuery(&ast.Source{Input: body}); err != nil {
		return domain.ErrParse("parse query: %v", err)
	}
	return nil
}

// ExtractResult splits a GraphQL data object into rows per selection.
// A selection holding a list of objects maps to those rows; a single
// object becomes a one-row list; null or missing selections map to empty
// row lists. Anything else (scalars, lists of scalars) is a shape the
// pipeline cannot key rows from.
func ExtractResult(data json.RawMessage, selections []string) (domain.PipelineResult, error) {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, domain.ErrParse("decode data object: %v", err)
	}

	result := make(domain.PipelineResult, len(selections))
	for _, name := range selections {
		raw, ok := decoded[name]
		if !ok || string(raw) == "null" {
			result[name] = []domain.Row{}
			continue
		}
		var rows []domain.Row
		if err := json.Unmarshal(raw, &rows); err == nil {
			result[name] = rows
			continue
		}
		var row domain.Row
		if err := json.Unmarshal(raw, &row); err == nil {
			result[name] = []domain.Row{row}
			continue
		}
		return nil, domain.ErrParse("selection %q is neither an object nor a list of objects", name)
	}
	return result, nil
}

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/agentic-research/citefold/api"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Select evaluates a JSONPath expression against the JSON projection of a
// tree, e.g. "$.children['30'].children" for the institutions under country 30.
func Select(t *api.Tree, selector string) ([]any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode tree: %w", err)
	}
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	return x.Get(doc), nil
}

// Package filter implements the destination filter engine.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"rss_relay/internal/model"
)

// Matcher is a validated expression with its regexes compiled once.
type Matcher struct {
	expr *model.FilterExpression
	res  map[string]*regexp.Regexp
}

// Compile validates expr and compiles its regexes. A nil expression yields a
// Matcher that always passes.
func Compile(expr *model.FilterExpression) (*Matcher, error) {
	m := &Matcher{expr: expr, res: make(map[string]*regexp.Regexp)}
	if err := m.compile(expr); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) compile(e *model.FilterExpression) error {
	if e == nil {
		return nil
	}
	switch e.Op {
	case model.OpAnd, model.OpOr:
		for i := range e.Children {
			if err := m.compile(&e.Children[i]); err != nil {
				return err
			}
		}
	case model.OpNot:
		if len(e.Children) != 1 {
			return fmt.Errorf("not: expected 1 child, got %d", len(e.Children))
		}
		return m.compile(&e.Children[0])
	case model.OpContains, model.OpEquals:
	case model.OpRegex:
		if _, ok := m.res[e.Value]; ok {
			return nil
		}
		re, err := regexp.Compile("(?i)" + e.Value)
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		m.res[e.Value] = re
	default:
		return fmt.Errorf("unknown operator %q", e.Op)
	}
	return nil
}

// Match evaluates the expression against an article.
func (m *Matcher) Match(a model.Article) bool {
	if m.expr == nil {
		return true
	}
	return m.eval(a, *m.expr)
}

// Match evaluates a filter expression against an article.
// A nil expression always passes and an invalid one never does.
func Match(a model.Article, expr *model.FilterExpression) bool {
	m, err := Compile(expr)
	if err != nil {
		return false
	}
	return m.Match(a)
}

func (m *Matcher) eval(a model.Article, e model.FilterExpression) bool {
	switch e.Op {
	case model.OpAnd:
		for _, c := range e.Children {
			if !m.eval(a, c) {
				return false
			}
		}
		return true
	case model.OpOr:
		if len(e.Children) == 0 {
			return true
		}
		for _, c := range e.Children {
			if m.eval(a, c) {
				return true
			}
		}
		return false
	case model.OpNot:
		if len(e.Children) != 1 {
			return false
		}
		return !m.eval(a, e.Children[0])
	case model.OpContains:
		return strings.Contains(fieldText(a, e.Field), strings.ToLower(e.Value))
	case model.OpEquals:
		return fieldText(a, e.Field) == strings.ToLower(e.Value)
	case model.OpRegex:
		re, ok := m.res[e.Value]
		return ok && re.MatchString(fieldText(a, e.Field))
	}
	return false
}

// fieldText returns the lowercased text of a field. The pseudo-field "all"
// joins title and description.
func fieldText(a model.Article, field string) string {
	if field == "" || field == string(model.ScopeAll) {
		return strings.ToLower(a.Title + " " + a.Description)
	}
	return strings.ToLower(a.Field(field))
}

// FromRules converts flat include/exclude rules into an expression.
// Include rules use OR logic (at least one must match).
// Exclude rules use AND logic (none must match).
func FromRules(rules []model.Filter) *model.FilterExpression {
	if len(rules) == 0 {
		return nil
	}

	var includes, excludes []model.FilterExpression
	for _, r := range rules {
		leaf := model.FilterExpression{Op: model.OpContains, Field: scopeField(r.Scope), Value: r.Value}
		if r.Kind == model.FilterIncludeRe || r.Kind == model.FilterExcludeRe {
			leaf.Op = model.OpRegex
		}
		switch r.Kind {
		case model.FilterInclude, model.FilterIncludeRe:
			includes = append(includes, leaf)
		case model.FilterExclude, model.FilterExcludeRe:
			excludes = append(excludes, model.FilterExpression{
				Op:       model.OpNot,
				Children: []model.FilterExpression{leaf},
			})
		}
	}

	root := model.FilterExpression{Op: model.OpAnd}
	if len(includes) > 0 {
		root.Children = append(root.Children, model.FilterExpression{Op: model.OpOr, Children: includes})
	}
	root.Children = append(root.Children, excludes...)
	return &root
}

func scopeField(scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return "title"
	case model.ScopeContent:
		return "description"
	default:
		return string(model.ScopeAll)
	}
}

// Validate checks the structure of an expression and compiles its regexes.
func Validate(expr *model.FilterExpression) error {
	_, err := Compile(expr)
	return err
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

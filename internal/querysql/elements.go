package querysql

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
)

// The elements chain serializes the clicked element and its ancestors,
// innermost first, separated by ";":
//
//	a.nav-link:attr__href="/pricing"nth-child="1"text="Pricing";li;ul.menu;body
//
// Element conditions compile to match(elements_chain, <bound regex>).

// elementTail ends one element in the chain: optional attributes, then the
// separator or end of chain.
const elementTail = `([-_a-zA-Z0-9\.:"= ]*?)?($|;|:([^;^\s]*(;|$|\s)))`

func tagRegex(tag string) string {
	return `(^|;)` + regexp.QuoteMeta(tag) + `(\.|$|;|:)`
}

func attrRegex(attr, value string, m action.Matching) string {
	switch m {
	case action.MatchContains:
		return attr + `="[^"]*` + regexp.QuoteMeta(value) + `[^"]*"`
	case action.MatchRegex:
		return attr + `="` + value + `"`
	default:
		return attr + `="` + regexp.QuoteMeta(value) + `"`
	}
}

type selectorPart struct {
	tag     string
	classes []string
	attrs   map[string]string
	direct  bool // direct child of the next part
}

var (
	selectorToken = regexp.MustCompile(`^([A-Za-z0-9_*-]*)((?:[.#][A-Za-z0-9_-]+|\[[A-Za-z0-9_-]+(?:="?[^"\]]*"?)?\])*)$`)
	selectorPiece = regexp.MustCompile(`[.#][A-Za-z0-9_-]+|\[([A-Za-z0-9_-]+)(?:="?([^"\]]*)"?)?\]`)
)

// parseSelector parses a CSS selector subset: tag names, .class, #id,
// [attr=value], descendant and child combinators.
func parseSelector(selector string) ([]selectorPart, error) {
	var parts []selectorPart
	direct := false
	for _, tok := range strings.Fields(strings.ReplaceAll(selector, ">", " > ")) {
		if tok == ">" {
			direct = true
			continue
		}
		m := selectorToken.FindStringSubmatch(tok)
		if m == nil {
			return nil, fmt.Errorf("unsupported selector %q", tok)
		}
		part := selectorPart{tag: m[1], attrs: make(map[string]string)}
		for _, piece := range selectorPiece.FindAllStringSubmatch(m[2], -1) {
			switch {
			case strings.HasPrefix(piece[0], "."):
				part.classes = append(part.classes, piece[0][1:])
			case strings.HasPrefix(piece[0], "#"):
				part.attrs["attr_id"] = piece[0][1:]
			default:
				part.attrs["attr__"+piece[1]] = piece[2]
			}
		}
		if direct && len(parts) > 0 {
			parts[len(parts)-1].direct = true
		}
		direct = false
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty selector")
	}
	return parts, nil
}

// selectorRegex builds the elements-chain regex for a selector. The chain
// lists the innermost element first, so parts are matched in reverse.
func selectorRegex(selector string) (string, error) {
	parts, err := parseSelector(selector)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if part.tag != "" && part.tag != "*" {
			b.WriteString(regexp.QuoteMeta(part.tag))
		}
		if len(part.classes) > 0 {
			classes := append([]string{}, part.classes...)
			sort.Strings(classes)
			quoted := make([]string, len(classes))
			for j, c := range classes {
				quoted[j] = regexp.QuoteMeta(c)
			}
			b.WriteString(`.*?\.` + strings.Join(quoted, `\..*?`))
		}
		if len(part.attrs) > 0 {
			keys := make([]string, 0, len(part.attrs))
			for k := range part.attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(`.*?`)
			for _, k := range keys {
				b.WriteString(regexp.QuoteMeta(k) + `="` + regexp.QuoteMeta(part.attrs[k]) + `".*?`)
			}
		}
		b.WriteString(elementTail)
		if i > 0 && !parts[i-1].direct {
			b.WriteString(`.*`)
		}
	}
	return b.String(), nil
}

// elementMatch renders match(elements_chain, regex) with the regex bound.
func (s *state) elementMatch(name, regex string) string {
	s.use(columns.TableEvents, columns.ColumnElementsChain)
	return fmt.Sprintf("match(%s, %s)", columns.ColumnElementsChain, s.bind(name, regex))
}

// stepElements renders the element conditions of an action step.
func (s *state) stepElements(step action.Step, prefix string) ([]string, error) {
	var conds []string
	if step.Selector != "" {
		re, err := selectorRegex(step.Selector)
		if err != nil {
			return nil, &InvalidValueError{Code: ErrCodeInvalidValue, Key: "selector", Message: err.Error()}
		}
		conds = append(conds, s.elementMatch(prefix+"_selector", re))
	}
	if step.TagName != "" {
		conds = append(conds, s.elementMatch(prefix+"_tag_name", tagRegex(step.TagName)))
	}
	if step.Text != "" {
		conds = append(conds, s.elementMatch(prefix+"_text", attrRegex("text", step.Text, step.TextMatching)))
	}
	if step.Href != "" {
		conds = append(conds, s.elementMatch(prefix+"_href", attrRegex("attr__href", step.Href, step.HrefMatching)))
	}
	return conds, nil
}

// elementProperty renders an element-typed filter property. Supported keys
// are tag_name, text, href and selector with exact or is_not.
func (s *state) elementProperty(p *filter.Property, prefix string) (string, error) {
	var not bool
	switch p.Operator {
	case "", "exact":
	case "is_not":
		not = true
	default:
		return "", &UnsupportedOperatorError{Code: ErrCodeUnsupportedOperator, Operator: p.Operator, Key: p.Key}
	}

	values, isList := stringList(p.Value)
	if !isList {
		values = []string{stringValue(p.Value)}
	}

	alternatives := make([]string, 0, len(values))
	for _, v := range values {
		switch p.Key {
		case "tag_name":
			alternatives = append(alternatives, tagRegex(v))
		case "text":
			alternatives = append(alternatives, attrRegex("text", v, action.MatchExact))
		case "href":
			alternatives = append(alternatives, attrRegex("attr__href", v, action.MatchExact))
		case "selector":
			re, err := selectorRegex(v)
			if err != nil {
				return "", &InvalidValueError{Code: ErrCodeInvalidValue, Key: p.Key, Message: err.Error()}
			}
			alternatives = append(alternatives, re)
		default:
			return "", unsupportedType(p, "element key "+p.Key)
		}
	}

	cond := s.elementMatch(prefix+"_value", "("+strings.Join(alternatives, ")|(")+")")
	if not {
		return "NOT " + cond, nil
	}
	return cond, nil
}

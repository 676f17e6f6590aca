package querysql

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/cohortc/internal/columns"
	"github.com/roach88/cohortc/internal/filter"
)

// jsonExtract reads a string property out of a JSON blob column and strips
// the surrounding quotes.
const jsonExtract = `replaceRegexpAll(JSONExtractRaw(%s, %s), '^"|"$', '')`

// scope says where property columns are read and how they are referenced.
type scope struct {
	// table is the logical table the registry is consulted for.
	table string
	// ref turns a physical column into the expression that reads it here.
	ref func(col string) string
}

var eventScope = scope{table: columns.TableEvents, ref: func(col string) string { return col }}

// personOuterScope reads the person subquery's argMax columns after the join.
var personOuterScope = scope{table: columns.TablePerson, ref: func(col string) string { return "person_query.latest_" + col }}

// personInnerScope reads the same columns inside the person subquery HAVING.
var personInnerScope = scope{table: columns.TablePerson, ref: func(col string) string { return "latest_" + col }}

// propertyExpr resolves a property to a value expression. key is the bound
// key parameter for blob reads, empty for materialized columns.
func (s *state) propertyExpr(sc scope, p *filter.Property, prefix string) (expr, ref, key string, err error) {
	tableColumn, ok := columns.TableColumnFor(sc.table, p.Type, p.GroupTypeIndex)
	if !ok {
		return "", "", "", unsupportedType(p, sc.table+" property")
	}

	col := tableColumn
	materialized := false
	if e, found := s.c.snapshot.Lookup(sc.table, tableColumn, p.Key); found && !e.IsNullable {
		col, materialized = e.ColumnName, true
	}
	if !columns.ValidIdentifier(col) {
		return "", "", "", invariant("column %q is not a valid identifier", col)
	}
	s.use(sc.table, col)

	ref = sc.ref(col)
	if materialized {
		return ref, ref, "", nil
	}
	key = s.bind(prefix+"_key", p.Key)
	return fmt.Sprintf(jsonExtract, ref, key), ref, key, nil
}

// renderProperty renders one event, person or group property condition,
// ignoring the leaf's negation.
func (s *state) renderProperty(sc scope, p *filter.Property, prefix string) (string, error) {
	expr, ref, key, err := s.propertyExpr(sc, p, prefix)
	if err != nil {
		return "", err
	}
	valueName := prefix + "_value"

	switch p.Operator {
	case "", "exact", "is_not":
		not := p.Operator == "is_not"
		if list, isList := stringList(p.Value); isList {
			return fmt.Sprintf("%s %sIN %s", expr, notPrefix(not), s.bind(valueName, list)), nil
		}
		cmp := "="
		if not {
			cmp = "!="
		}
		return fmt.Sprintf("%s %s %s", expr, cmp, s.bind(valueName, stringValue(p.Value))), nil

	case "icontains", "not_icontains":
		like := "%" + escapeLike(stringValue(p.Value)) + "%"
		cond := fmt.Sprintf("%s ILIKE %s", expr, s.bind(valueName, like))
		if p.Operator == "not_icontains" {
			return "NOT (" + cond + ")", nil
		}
		return cond, nil

	case "regex", "not_regex":
		cond := fmt.Sprintf("match(%s, %s)", expr, s.bind(valueName, stringValue(p.Value)))
		if p.Operator == "not_regex" {
			return "NOT " + cond, nil
		}
		return cond, nil

	case "gt", "gte", "lt", "lte":
		n, err := floatValue(p.Value)
		if err != nil {
			return "", &InvalidValueError{Code: ErrCodeInvalidValue, Key: p.Key, Message: err.Error()}
		}
		return fmt.Sprintf("toFloat64OrNull(%s) %s %s", expr, numericOperators[p.Operator], s.bind(valueName, n)), nil

	case "is_set", "is_not_set":
		var cond string
		if key == "" {
			cond = fmt.Sprintf("notEmpty(%s)", ref)
		} else {
			cond = fmt.Sprintf("JSONHas(%s, %s)", ref, key)
		}
		if p.Operator == "is_not_set" {
			return "NOT " + cond, nil
		}
		return cond, nil

	default:
		return "", &UnsupportedOperatorError{Code: ErrCodeUnsupportedOperator, Operator: p.Operator, Key: p.Key}
	}
}

var numericOperators = map[string]string{
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

func notPrefix(not bool) string {
	if not {
		return "NOT "
	}
	return ""
}

// negate wraps a rendered condition in NOT when negated.
func negate(cond string, negated bool) string {
	if !negated {
		return cond
	}
	return "NOT (" + cond + ")"
}

// stringValue renders a scalar filter value as the string the JSON blob
// comparison sees.
func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// stringList converts a list value to strings. A one-element list is still
// a list.
func stringList(v any) ([]string, bool) {
	switch x := v.(type) {
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = stringValue(e)
		}
		return out, true
	case []string:
		return append([]string{}, x...), true
	}
	return nil, false
}

func floatValue(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/filter"
)

// entityCondition renders the per-event condition for a behavioral entity.
// Events compile to event = %(<role>event_<n>)s. Actions compile to the OR of
// their steps; every step's event name joins the shared event filter.
func (s *state) entityCondition(e filter.Entity, n int, role string) (string, error) {
	if e.Type == filter.EntityEvents {
		name := e.Key
		s.addEvent(&name)
		return "event = " + s.bind(fmt.Sprintf("%sevent_%d", role, n), name), nil
	}
	if e.Type != filter.EntityActions {
		return "", invariant("entity type %q", e.Type)
	}

	steps, err := action.StepsFor(s.ctx, s.c.actions, e, s.teamID)
	if err != nil {
		return "", fmt.Errorf("resolve action %s: %w", e.Key, err)
	}
	if len(steps) == 0 {
		return "1 = 0", nil
	}

	alternatives := make([]string, 0, len(steps))
	for i, step := range steps {
		cond, err := s.stepCondition(step, fmt.Sprintf("%saction_%d_step_%d", role, n, i))
		if err != nil {
			return "", err
		}
		alternatives = append(alternatives, cond)
	}
	if len(alternatives) == 1 {
		return alternatives[0], nil
	}
	return "(" + strings.Join(alternatives, " OR ") + ")", nil
}

// stepCondition renders one action step: every set field must match.
func (s *state) stepCondition(step action.Step, prefix string) (string, error) {
	s.addEvent(step.Event)

	var conds []string
	if step.Event != nil {
		conds = append(conds, "event = "+s.bind(prefix+"_event", *step.Event))
	}

	if step.URL != "" {
		urlProp := &filter.Property{Key: "$current_url", Type: filter.TypeEvent}
		expr, _, _, err := s.propertyExpr(eventScope, urlProp, prefix+"_url")
		if err != nil {
			return "", err
		}
		name := prefix + "_url_value"
		switch step.URLMatching {
		case action.MatchExact:
			conds = append(conds, fmt.Sprintf("%s = %s", expr, s.bind(name, step.URL)))
		case action.MatchRegex:
			conds = append(conds, fmt.Sprintf("match(%s, %s)", expr, s.bind(name, step.URL)))
		default:
			conds = append(conds, fmt.Sprintf("%s LIKE %s", expr, s.bind(name, "%"+escapeLike(step.URL)+"%")))
		}
	}

	elements, err := s.stepElements(step, prefix)
	if err != nil {
		return "", err
	}
	conds = append(conds, elements...)

	if !step.Properties.IsEmpty() {
		i := 0
		cond, err := renderGroup(step.Properties, func(p *filter.Property) (string, error) {
			propPrefix := fmt.Sprintf("%s_prop_%d", prefix, i)
			i++
			var rendered string
			var err error
			switch p.Type {
			case filter.TypeEvent, filter.TypePerson, filter.TypeGroup:
				rendered, err = s.renderProperty(eventScope, p, propPrefix)
			case filter.TypeElement:
				rendered, err = s.elementProperty(p, propPrefix)
			default:
				return "", unsupportedType(p, "action step")
			}
			if err != nil {
				return "", err
			}
			return negate(rendered, p.Negation), nil
		})
		if err != nil {
			return "", err
		}
		conds = append(conds, cond)
	}

	switch len(conds) {
	case 0:
		return "1 = 1", nil
	case 1:
		return conds[0], nil
	default:
		return "(" + strings.Join(conds, " AND ") + ")", nil
	}
}

// renderGroup renders a boolean tree, mirroring its shape with AND/OR.
// Empty groups render as true.
func renderGroup(g *filter.Group, leaf func(*filter.Property) (string, error)) (string, error) {
	if g.IsEmpty() {
		return "1 = 1", nil
	}

	parts := make([]string, 0, len(g.Values))
	for _, v := range g.Values {
		var part string
		var err error
		switch n := v.(type) {
		case *filter.Group:
			part, err = renderGroup(n, leaf)
		case *filter.Property:
			part, err = leaf(n)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	joiner := " AND "
	if g.Operator == filter.Or {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

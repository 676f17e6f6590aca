// Package action defines actions: named sets of event-matching steps that a
// behavioral condition may count instead of a single event name.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/filter"
)

// Matching selects how a step's text, href, or URL is compared.
type Matching string

const (
	MatchExact    Matching = "exact"
	MatchContains Matching = "contains"
	MatchRegex    Matching = "regex"
)

// Valid reports whether m is a known matching mode. Empty means the field's
// default (exact for text and href, contains for URL).
func (m Matching) Valid() bool {
	switch m {
	case "", MatchExact, MatchContains, MatchRegex:
		return true
	}
	return false
}

// Step is one alternative of an action. An event matches the action when it
// matches any step; it matches a step when it matches every set field.
type Step struct {
	// Event is the event name. Nil matches every event.
	Event *string `json:"event,omitempty"`

	URL         string   `json:"url,omitempty"`
	URLMatching Matching `json:"url_matching,omitempty"`

	Selector     string   `json:"selector,omitempty"`
	TagName      string   `json:"tag_name,omitempty"`
	Text         string   `json:"text,omitempty"`
	TextMatching Matching `json:"text_matching,omitempty"`
	Href         string   `json:"href,omitempty"`
	HrefMatching Matching `json:"href_matching,omitempty"`

	// Properties is an AND of event/person/element conditions.
	Properties *filter.Group `json:"-"`
}

// UsesElements reports whether matching the step reads the autocapture
// elements chain.
func (s Step) UsesElements() bool {
	if s.Selector != "" || s.TagName != "" || s.Text != "" || s.Href != "" {
		return true
	}
	return filter.Any(s.Properties, func(p *filter.Property) bool {
		return p.Type == filter.TypeElement
	})
}

// MatchesAnyEvent reports whether the step places no restriction on the
// event name.
func (s Step) MatchesAnyEvent() bool {
	return s.Event == nil
}

// UnmarshalJSON decodes a step, parsing its property list with the filter
// parser.
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	var aux struct {
		plain
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Step(aux.plain)

	for field, m := range map[string]Matching{"url_matching": s.URLMatching, "text_matching": s.TextMatching, "href_matching": s.HrefMatching} {
		if !m.Valid() {
			return fmt.Errorf("step %s: unknown matching %q", field, m)
		}
	}

	props, err := filter.Parse(aux.Properties)
	if err != nil {
		return fmt.Errorf("step properties: %w", err)
	}
	s.Properties = props
	return nil
}

// MarshalJSON encodes a step with its properties in the external filter
// shape.
func (s Step) MarshalJSON() ([]byte, error) {
	type plain Step
	props := s.Properties
	if props == nil {
		props = &filter.Group{Operator: filter.And}
	}
	return json.Marshal(struct {
		plain
		Properties *filter.Group `json:"properties"`
	}{plain: plain(s), Properties: props})
}

// Action is a team-scoped named set of steps.
type Action struct {
	ID      int64  `json:"id"`
	TeamID  int64  `json:"team_id"`
	Name    string `json:"name"`
	Steps   []Step `json:"steps"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ErrNotFound is returned by Resolver.Steps for an unknown action.
var ErrNotFound = errors.New("action not found")

// Resolver returns the steps of an action.
type Resolver interface {
	Steps(ctx context.Context, actionID, teamID int64) ([]Step, error)
}

// MapResolver is an in-memory Resolver keyed by action id.
type MapResolver map[int64]*Action

// NewMapResolver indexes actions by id.
func NewMapResolver(actions ...*Action) MapResolver {
	m := make(MapResolver, len(actions))
	for _, a := range actions {
		m[a.ID] = a
	}
	return m
}

// Steps implements Resolver.
func (m MapResolver) Steps(_ context.Context, actionID, teamID int64) ([]Step, error) {
	a, ok := m[actionID]
	if !ok || a.TeamID != teamID || a.Deleted {
		return nil, fmt.Errorf("action %d: %w", actionID, ErrNotFound)
	}
	return a.Steps, nil
}

// StepsFor resolves the steps counted by a behavioral entity. An events
// entity is a single step matching that event name.
func StepsFor(ctx context.Context, r Resolver, e filter.Entity, teamID int64) ([]Step, error) {
	if e.Type != filter.EntityActions {
		name := e.Key
		return []Step{{Event: &name}}, nil
	}
	id, err := e.ActionID()
	if err != nil {
		return nil, fmt.Errorf("action id %q: %w", e.Key, err)
	}
	if r == nil {
		return nil, fmt.Errorf("action %d: no action resolver configured", id)
	}
	return r.Steps(ctx, id, teamID)
}

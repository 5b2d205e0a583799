// Package bus implements the attribute-filtered publish/subscribe fan-out
// used to push pipeline events to downstream real-time consumers.
package bus

import (
	"errors"
	"fmt"
)

// Direction is the routing attribute evaluated by subscription filters.
type Direction string

// Supported message directions. Only outbound events reach the routed
// delivery queue.
const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// AttrDirection is the attribute key carrying the routing direction.
const AttrDirection = "direction"

// Event is a message published onto the bus.
type Event struct {
	Direction  Direction
	Payload    map[string]any
	Attributes map[string]string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Direction {
	case DirectionIn, DirectionOut:
		return nil
	case "":
		return errors.New("direction is required")
	default:
		return fmt.Errorf("unknown direction %q", e.Direction)
	}
}

// attributes returns the event attributes including the direction key.
// The event's own attribute map is never mutated.
func (e Event) attributes() map[string]string {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[AttrDirection] = string(e.Direction)
	return attrs
}

// FilterPolicy is a pure predicate over event attributes: a subscription
// receives a message if and only if the message's value for Attribute is in
// the allow list.
type FilterPolicy struct {
	Attribute string
	AllowList []string
}

// Matches evaluates the policy against a message attribute set.
func (p FilterPolicy) Matches(attrs map[string]string) bool {
	if p.Attribute == "" {
		return true
	}
	value, ok := attrs[p.Attribute]
	if !ok {
		return false
	}
	for _, allowed := range p.AllowList {
		if value == allowed {
			return true
		}
	}
	return false
}

// DirectionFilter builds the standard allow-list policy on the direction
// attribute.
func DirectionFilter(allowed ...Direction) FilterPolicy {
	list := make([]string, 0, len(allowed))
	for _, d := range allowed {
		list = append(list, string(d))
	}
	return FilterPolicy{Attribute: AttrDirection, AllowList: list}
}

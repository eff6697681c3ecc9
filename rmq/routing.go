package rmq

import (
	"fmt"
	"strings"
)

// ModelRoutingKeyPrefix is the first segment of every routing key that carries a
// domain-model change event
const ModelRoutingKeyPrefix = "model"

// ModelAction is the last segment of a model routing key
type ModelAction string

const (
	ActionCreated ModelAction = "created"
	ActionUpdated ModelAction = "updated"
	ActionDeleted ModelAction = "deleted"
)

// ModelEvent identifies the entity and action that a 'model.<entity>.<action>' routing
// key refers to
type ModelEvent struct {
	Entity string
	Action ModelAction
}

// ParseModelRoutingKey splits a routing key of the form 'model.<entity>.<action>'
func ParseModelRoutingKey(key string) (ModelEvent, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != ModelRoutingKeyPrefix || parts[1] == "" || parts[2] == "" {
		return ModelEvent{}, fmt.Errorf("%w: '%s'", ErrInvalidRoutingKey, key)
	}
	return ModelEvent{
		Entity: parts[1],
		Action: ModelAction(parts[2]),
	}, nil
}

// ModelRoutingKey formats the routing key for the given entity and action
func ModelRoutingKey(entity string, action ModelAction) string {
	return fmt.Sprintf("%s.%s.%s", ModelRoutingKeyPrefix, entity, action)
}

// ModelWildcard returns a topic binding key that matches every action for an entity
func ModelWildcard(entity string) string {
	return fmt.Sprintf("%s.%s.*", ModelRoutingKeyPrefix, entity)
}

// Known reports whether the action is one of created, updated or deleted
func (a ModelAction) Known() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionDeleted
}

// normalizeRoutingKeys dedupes routing keys, preserving order; an empty set becomes a
// single empty key, as used when binding to fanout exchanges
func normalizeRoutingKeys(keys []string) []string {
	if len(keys) == 0 {
		return []string{""}
	}
	seen := make(map[string]struct{}, len(keys))
	normalized := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)
	}
	return normalized
}

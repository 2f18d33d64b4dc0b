// Package topics implements MQTT-style topic filters: validation, matching of
// inbound topics against filters, and translation to NATS subjects.
//
// Filters use "/" as the level separator, "+" to match exactly one level and
// "#" as the last level to match any number of remaining levels (including
// none). Topics beginning with "$" are never matched by a leading wildcard.
package topics

import (
	"errors"
	"fmt"
	"strings"
)

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

var (
	ErrEmpty           = errors.New("topic is empty")
	ErrInvalidWildcard = errors.New("invalid wildcard placement")
	ErrWildcardInTopic = errors.New("wildcards are not allowed in topic names")
	ErrUnmappable      = errors.New("topic cannot be mapped to a NATS subject")
)

// ValidateFilter checks that filter is a well formed subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmpty
	}
	levels := strings.Split(filter, separator)
	for i, level := range levels {
		switch {
		case level == multiLevel && i != len(levels)-1:
			return fmt.Errorf("%w: %q must be the last level in %q", ErrInvalidWildcard, multiLevel, filter)
		case level != multiLevel && strings.Contains(level, multiLevel),
			level != singleLevel && strings.Contains(level, singleLevel):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidWildcard, filter)
		}
	}
	return nil
}

// ValidateTopic checks that topic is a publishable topic name.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrEmpty
	}
	if strings.ContainsAny(topic, singleLevel+multiLevel) {
		return fmt.Errorf("%w: %q", ErrWildcardInTopic, topic)
	}
	return nil
}

// HasWildcard reports whether filter contains a wildcard level.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, singleLevel+multiLevel)
}

// Match reports whether topic is matched by filter.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}
	fl := strings.Split(filter, separator)
	tl := strings.Split(topic, separator)
	for i, level := range fl {
		if level == multiLevel {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != singleLevel && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// ToSubject translates a topic or filter into a NATS subject: levels become
// tokens, "+" becomes "*" and "#" becomes ">".
//
// A trailing "#" also matches the parent level in MQTT but not in NATS; callers
// that rely on that need to subscribe to the parent separately.
func ToSubject(topic string) (string, error) {
	if topic == "" {
		return "", ErrEmpty
	}
	levels := strings.Split(topic, separator)
	tokens := make([]string, len(levels))
	for i, level := range levels {
		switch {
		case level == singleLevel:
			tokens[i] = "*"
		case level == multiLevel:
			tokens[i] = ">"
		case level == "", strings.ContainsAny(level, ". *>\t\r\n"):
			return "", fmt.Errorf("%w: level %q in %q", ErrUnmappable, level, topic)
		default:
			tokens[i] = level
		}
	}
	return strings.Join(tokens, "."), nil
}

// FromSubject translates an inbound NATS subject back into a topic name.
func FromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", separator)
}

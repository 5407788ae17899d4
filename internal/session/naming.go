package session

import (
	"strings"
	"unicode/utf8"
)

const (
	// Separator splits the managed prefix from the topic in a thread name.
	Separator = "•"
	// ArchivedMarker tags the name of an ended conversation.
	ArchivedMarker = "ARCHIVED"
	// MaxNameLength is the platform's display-name limit, in characters.
	MaxNameLength = 100

	DefaultTopic = "chat"
	UnknownUser  = "unknown"
)

// BuildThreadName joins prefix and topic as "prefix • topic". The topic is
// cut so the whole name fits in MaxNameLength; the prefix is kept.
func BuildThreadName(prefix, topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	head := prefix + " " + Separator + " "
	room := MaxNameLength - utf8.RuneCountInString(head)
	if room <= 0 {
		return strings.TrimSpace(truncateRunes(head, MaxNameLength))
	}
	return head + strings.TrimSpace(truncateRunes(topic, room))
}

// IsManagedName reports whether name starts with prefix, ignoring case.
func IsManagedName(prefix, name string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(name)), strings.ToLower(prefix))
}

// ParseTopic returns the text after the first separator, or DefaultTopic.
func ParseTopic(name string) string {
	idx := strings.Index(name, Separator)
	if idx < 0 {
		return DefaultTopic
	}
	topic := strings.TrimSpace(name[idx+len(Separator):])
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// PrefixThreadName prepends "[marker] " to name unless it is already there.
func PrefixThreadName(name, marker string) string {
	tag := "[" + marker + "] "
	if strings.HasPrefix(name, tag) {
		return name
	}
	return truncateRunes(tag+name, MaxNameLength)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

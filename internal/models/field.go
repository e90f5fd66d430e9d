package models

import "strings"

// Field names an editable descriptive attribute of an event.
type Field string

const (
	FieldTitle       Field = "title"
	FieldSchedule    Field = "schedule"
	FieldCapacity    Field = "capacity"
	FieldLocation    Field = "location"
	FieldDescription Field = "description"
	FieldMedia       Field = "media"
)

// menuOrder is the numbering used by the chat edit menu (1-6).
var menuOrder = []Field{FieldTitle, FieldSchedule, FieldCapacity, FieldLocation, FieldDescription, FieldMedia}

// ParseField accepts a field name ("title", "date" as an alias of schedule)
// or its menu number ("1".."6").
func ParseField(s string) (Field, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 1 && s[0] >= '1' && s[0] <= '6' {
		return menuOrder[s[0]-'1'], true
	}
	switch s {
	case "date":
		return FieldSchedule, true
	case "photo", "image":
		return FieldMedia, true
	}
	for _, f := range menuOrder {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}

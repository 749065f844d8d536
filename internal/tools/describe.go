package tools

import (
	"fmt"
	"strings"
)

var descriptions = map[Name]string{
	CreateTask:   "Add a new task for the user.",
	ListTasks:    "List the user's tasks, newest first. status is all, pending or completed.",
	CompleteTask: "Mark a task as done.",
	DeleteTask:   "Delete a task permanently.",
	UpdateTask:   "Change a task's title and/or description. At least one of them is required.",
}

// Description returns the one-line summary used in the system prompt.
func Description(name Name) string {
	return descriptions[name]
}

// Catalog renders every tool with its description and param schema, one
// block per tool, for inclusion in the system prompt.
func Catalog() (string, error) {
	var b strings.Builder
	for i, name := range Names() {
		schema, err := Schema(name)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s\n  params schema: %s\n", name, descriptions[name], schema)
	}
	return b.String(), nil
}

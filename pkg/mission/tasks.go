package mission

import (
	"regexp"
	"strings"

	"github.com/groundctl/groundctl/pkg/models"
)

// taskLine matches the list formats the task-generation agent emits:
// "- [ ] Title", "- Title", "* Title", "1. Title".
var taskLine = regexp.MustCompile(`^(?:[-*]\s+(?:\[[ xX]\]\s+)?|\d+\.\s+)(.+)$`)

// ParseTasks extracts an ordered task batch from a generated task list.
// Unindented list items become tasks; indented lines under an item are folded
// into its description. Anything else (headings, prose) is ignored.
func ParseTasks(data []byte) []models.TaskSpec {
	var specs []models.TaskSpec
	for _, raw := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimRight(raw, " \t\r")
		if trimmed == "" {
			continue
		}
		indented := strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t")
		line := strings.TrimLeft(trimmed, " \t")

		if indented {
			if len(specs) == 0 {
				continue
			}
			line = strings.TrimSpace(taskLineText(line))
			last := &specs[len(specs)-1]
			if last.Description == "" {
				last.Description = line
			} else {
				last.Description += "\n" + line
			}
			continue
		}

		if m := taskLine.FindStringSubmatch(line); m != nil {
			specs = append(specs, models.TaskSpec{Name: strings.TrimSpace(m[1])})
		}
	}
	return specs
}

// taskLineText strips list markers from a nested line, keeping plain text.
func taskLineText(line string) string {
	if m := taskLine.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return line
}

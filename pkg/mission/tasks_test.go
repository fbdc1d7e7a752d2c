package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundctl/groundctl/pkg/models"
)

func TestParseTasks_ListFormats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			"dashes",
			"- First task\n- Second task\n",
			[]string{"First task", "Second task"},
		},
		{
			"checkboxes",
			"- [ ] First task\n- [x] Second task\n- [X] Third task\n",
			[]string{"First task", "Second task", "Third task"},
		},
		{
			"asterisks",
			"* First task\n* Second task\n",
			[]string{"First task", "Second task"},
		},
		{
			"numbered",
			"1. First task\n2. Second task\n10. Tenth task\n",
			[]string{"First task", "Second task", "Tenth task"},
		},
		{
			"headings and prose ignored",
			"# Tasks\n\nSome intro prose.\n\n- Real task\n",
			[]string{"Real task"},
		},
		{
			"empty input",
			"",
			nil,
		},
		{
			"no list items",
			"# Tasks\n\nNothing actionable here.\n",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTasks([]byte(tt.input))
			require.Len(t, got, len(tt.want))
			for i, name := range tt.want {
				assert.Equal(t, name, got[i].Name)
			}
		})
	}
}

func TestParseTasks_FoldsIndentedDescription(t *testing.T) {
	input := "- Add schema\n  Create the migration.\n  Keep it reversible.\n- Write endpoint\n"
	got := ParseTasks([]byte(input))
	require.Len(t, got, 2)
	assert.Equal(t, models.TaskSpec{
		Name:        "Add schema",
		Description: "Create the migration.\nKeep it reversible.",
	}, got[0])
	assert.Equal(t, "Write endpoint", got[1].Name)
	assert.Empty(t, got[1].Description)
}

func TestParseTasks_NestedListItemsFoldAsText(t *testing.T) {
	input := "- Parent task\n  - detail one\n  - detail two\n"
	got := ParseTasks([]byte(input))
	require.Len(t, got, 1)
	assert.Equal(t, "Parent task", got[0].Name)
	assert.Equal(t, "detail one\ndetail two", got[0].Description)
}

func TestParseTasks_IndentedBeforeAnyTaskIgnored(t *testing.T) {
	got := ParseTasks([]byte("  stray indented line\n- Task\n"))
	require.Len(t, got, 1)
	assert.Equal(t, "Task", got[0].Name)
	assert.Empty(t, got[0].Description)
}

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add Search", "add-search"},
		{"Fix:  login / redirect!!", "fix-login-redirect"},
		{"  --already--hyphenated--  ", "already-hyphenated"},
		{"UPPER case 123", "upper-case-123"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeBranchName(tt.in), "input %q", tt.in)
	}
}

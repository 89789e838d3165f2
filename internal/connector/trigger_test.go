package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggerMatch(t *testing.T) {
	tr := Trigger{Mentions: []string{"@PMBot", " "}, Keywords: []string{"pm", "#triage", ""}}
	tests := []struct {
		text string
		want bool
	}{
		{"hey @pmbot can you help", true},
		{"@PMBOT, file it", true},
		{"ping @pmbot2 instead", false},
		{"mail me@pmbotx.io", false},
		{"ask the PM", true},
		{"pm: new idea", true},
		{"npm is broken", false},
		{"pms are busy", false},
		{"please #triage this", true},
		{"nothing here", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.Match(tt.text), tt.text)
	}
}

func TestContainsWord_Unicode(t *testing.T) {
	assert.True(t, containsWord("über pm", "pm"))
	assert.False(t, containsWord("épm", "pm"))
	assert.True(t, containsWord("pm", "pm"))
}

package tracker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainText(t *testing.T) {
	raw := `{"type":"doc","content":[
		{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Context"}]},
		{"type":"paragraph","content":[
			{"type":"mention","attrs":{"id":"acc-1","text":"@Ana"}},
			{"type":"text","text":" see "},
			{"type":"inlineCard","attrs":{"url":"https://example.com/x"}},
			{"type":"hardBreak"},
			{"type":"text","text":"second line"}
		]},
		{"type":"bulletList","content":[
			{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"one"}]}]},
			{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"two"}]}]}
		]}
	]}`
	var n Node
	require.NoError(t, json.Unmarshal([]byte(raw), &n))

	assert.Equal(t, "## Context\n@Ana see https://example.com/x\nsecond line\n- one\n- two", PlainText(&n))
	assert.Equal(t, []string{"acc-1"}, Mentions(&n))
	assert.Empty(t, PlainText(nil))
}

func TestDocument(t *testing.T) {
	doc := Document("# Title\nintro line\nsecond\n\n- a\n* b\n\n#hashtag stays text")
	require.Len(t, doc.Content, 4)
	assert.Equal(t, "heading", doc.Content[0].Type)
	assert.Equal(t, 1, doc.Content[0].Attrs["level"])

	para := doc.Content[1]
	assert.Equal(t, "paragraph", para.Type)
	require.Len(t, para.Content, 3)
	assert.Equal(t, "hardBreak", para.Content[1].Type)

	assert.Equal(t, "bulletList", doc.Content[2].Type)
	assert.Len(t, doc.Content[2].Content, 2)
	assert.Equal(t, "paragraph", doc.Content[3].Type)

	assert.Equal(t, "# Title\nintro line\nsecond\n- a\n- b\n#hashtag stays text", PlainText(&doc))
}

func TestDocument_Empty(t *testing.T) {
	doc := Document("")
	require.Len(t, doc.Content, 1)
	assert.Equal(t, "paragraph", doc.Content[0].Type)
}

func TestStripTitle(t *testing.T) {
	assert.Equal(t, "body", stripTitle("# Title\n\nbody"))
	assert.Equal(t, "no heading", stripTitle("no heading"))
}

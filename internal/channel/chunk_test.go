package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkTextShortPassthrough(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"hello"}, ChunkText("  hello \n", 10))
	assert.Nil(t, ChunkText("   ", 10))
}

func TestChunkTextSplitsOnLines(t *testing.T) {
	t.Parallel()

	got := ChunkText("aaaa\nbbbb\ncccc", 9)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, got)
}

func TestChunkTextSplitsLongLines(t *testing.T) {
	t.Parallel()

	got := ChunkText(strings.Repeat("é", 25), 10)
	assert.Len(t, got, 3)
	for _, chunk := range got {
		assert.LessOrEqual(t, len([]rune(chunk)), 10)
	}
	assert.Equal(t, strings.Repeat("é", 25), strings.Join(got, ""))
}

func TestChunkMarkdownTextKeepsParagraphs(t *testing.T) {
	t.Parallel()

	got := ChunkMarkdownText("first para\n\nsecond para\n\nthird", 24)
	assert.Equal(t, []string{"first para\n\nsecond para", "third"}, got)
}

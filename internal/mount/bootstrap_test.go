package mount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressInlinesCommandIDs(t *testing.T) {
	out := Compress()
	for _, c := range commandNames {
		assert.NotContains(t, out, c.name)
	}
}

func TestCompressStripsComments(t *testing.T) {
	out := Compress()
	assert.NotContains(t, out, "#")
}

func TestCompressCollapsesBlankLines(t *testing.T) {
	out := Compress()
	assert.NotContains(t, out, "\n\n")
}

func TestCompressShortensIndent(t *testing.T) {
	out := Compress()
	// Each four-space indent level becomes one space: a method header one
	// level deep keeps one space, the deepest (fifth-level) line keeps five.
	assert.NotContains(t, out, "\n    def ")
	assert.Contains(t, out, "\n def __init__(self, use_second_port):")
	assert.Contains(t, out, "\n     type = c.ru32()")
}

func TestCompressRenamesIdentifiers(t *testing.T) {
	out := Compress()
	assert.NotContains(t, out, "rd_")
	assert.NotContains(t, out, "wr_")
	assert.NotContains(t, out, "buf4")
	assert.Contains(t, out, "b4")
}

func TestCompressIsDeterministic(t *testing.T) {
	assert.Equal(t, Compress(), Compress())
}

func TestCompressPreservesOperationVocabulary(t *testing.T) {
	out := Compress()
	for _, want := range []string{"__mount", "RemoteFS", "RemoteFile", "RemoteCommand", "os.mount", "os.chdir"} {
		assert.True(t, strings.Contains(out, want), "missing %q in compressed bootstrap", want)
	}
}

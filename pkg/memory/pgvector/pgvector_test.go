package pgvector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"ltm"`, quoteIdent("ltm"))
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
	assert.Equal(t, `"""; DROP TABLE vectorkv_collections; --"`, quoteIdent(`"; DROP TABLE vectorkv_collections; --`))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,0,2.5]", VectorLiteral([]float32{1, 0, 2.5}))
	assert.Equal(t, "[-0.5]", VectorLiteral([]float32{-0.5}))
	assert.Equal(t, "[]", VectorLiteral(nil))
}

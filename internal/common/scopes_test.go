package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseScope(t *testing.T) {
	assert.Equal(t, []string{"read", "write"}, ParseScope(" write read  write "))
	assert.Nil(t, ParseScope(""))
	assert.Equal(t, "read write", FormatScope(ParseScope("write read")))
}

func TestScopeSetOperations(t *testing.T) {
	assert.True(t, ScopesSubset([]string{"read"}, []string{"read", "write"}))
	assert.True(t, ScopesSubset(nil, []string{"read"}))
	assert.False(t, ScopesSubset([]string{"write"}, []string{"read"}))

	assert.Equal(t, []string{"read"}, IntersectScopes([]string{"write", "read"}, []string{"read"}))
	assert.Nil(t, IntersectScopes([]string{"write"}, nil))
	assert.Equal(t, []string{"read", "write"}, UnionScopes([]string{"write"}, []string{"read", "write"}))
}

package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	h1, err := HashPassword("secret")
	require.NoError(t, err)
	h2, err := HashPassword("secret")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(h1, "sha256$"))
	assert.NotEqual(t, h1, h2, "salted")
	assert.True(t, CheckPassword(h1, "secret"))
	assert.True(t, CheckPassword(h2, "secret"))
	assert.False(t, CheckPassword(h1, "Secret"))
	assert.False(t, CheckPassword("", "secret"))
	assert.False(t, CheckPassword("md5$x$y", "secret"))
}

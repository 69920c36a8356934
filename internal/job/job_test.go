package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	j, err := New("serde", "1.0.197")
	require.NoError(t, err)
	assert.Equal(t, "serde==1.0.197", j.Key())
	assert.Equal(t, "serde 1.0.197", j.String())

	_, err = New("", "1.0.0")
	assert.True(t, errors.Is(err, ErrEmptyName))

	_, err = New("bad name", "1.0.0")
	assert.True(t, errors.Is(err, ErrInvalidName))

	_, err = New("../etc", "1.0.0")
	assert.True(t, errors.Is(err, ErrInvalidName))

	_, err = New("serde", "not-a-version")
	assert.Error(t, err)
}

func TestParseVersionTolerant(t *testing.T) {
	v, err := ParseVersion("v1.2")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v.String())
}

func TestCompareUsesSemverOrder(t *testing.T) {
	a := MustNew("rand", "0.8.5")
	b := MustNew("rand", "0.10.0")
	c := MustNew("regex", "0.1.0")

	assert.Negative(t, a.Compare(b), "0.8.5 sorts before 0.10.0")
	assert.Positive(t, c.Compare(b), "name is compared first")
	assert.Zero(t, a.Compare(MustNew("rand", "0.8.5")))
}

func TestParseToken(t *testing.T) {
	tok, err := ParseToken("libc")
	require.NoError(t, err)
	assert.Equal(t, "libc", tok.Name)
	assert.Nil(t, tok.Version)

	tok, err = ParseToken("libc==0.2.153")
	require.NoError(t, err)
	require.NotNil(t, tok.Version)
	assert.Equal(t, "0.2.153", tok.Version.String())

	_, err = ParseToken("libc==banana")
	assert.Error(t, err)
}

func TestParseList(t *testing.T) {
	tokens := ParseList("serde  libc==0.2.153\n\tregex\n")
	require.Len(t, tokens, 3)
	assert.Equal(t, "serde", tokens[0].Name)
	assert.Equal(t, "libc", tokens[1].Name)
	assert.Equal(t, "regex", tokens[2].Name)

	tokens = ParseList("ok ==1.0.0 libc==banana rand==0.8.5")
	require.Len(t, tokens, 2, "malformed entries are dropped, the rest survive")
	assert.Equal(t, "ok", tokens[0].Name)
	assert.Equal(t, "rand", tokens[1].Name)
	assert.Equal(t, "0.8.5", tokens[1].Version.String())

	assert.Empty(t, ParseList("==1.0.0\n"))
}

package cidutil_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
)

func TestCompute_Deterministic(t *testing.T) {
	data := []byte("hello world")

	a := cidutil.Compute(data)
	b := cidutil.Compute(data)

	assert.True(t, a.Equals(b))
	assert.True(t, cidutil.Equals(a, b))
}

func TestCompute_DistinctInputs(t *testing.T) {
	a := cidutil.Compute([]byte("a"))
	b := cidutil.Compute([]byte("b"))

	assert.False(t, cidutil.Equals(a, b))
}

func TestFormat_Base32LowerPrefix(t *testing.T) {
	c := cidutil.Compute([]byte("payload"))

	s := cidutil.Format(c)
	assert.True(t, strings.HasPrefix(s, "b"), "expected base32 multibase prefix, got %q", s)
	assert.Equal(t, strings.ToLower(s), s)
}

func TestParse_RoundTrip(t *testing.T) {
	c := cidutil.Compute([]byte("roundtrip"))

	parsed, err := cidutil.Parse(cidutil.Format(c))
	require.NoError(t, err)
	assert.True(t, cidutil.Equals(c, parsed))
	assert.Equal(t, cidutil.Format(c), cidutil.Format(parsed))
}

func TestParse_Invalid(t *testing.T) {
	_, err := cidutil.Parse("not-a-cid")
	assert.Error(t, err)
}

func TestCompute_RawCodec(t *testing.T) {
	c := cidutil.Compute([]byte("codec"))
	assert.EqualValues(t, 0x55, c.Type())
	assert.EqualValues(t, 1, c.Version())
}

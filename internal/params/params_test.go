package params

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManagedDtableConfig(t *testing.T) {
	src := `config [
		"base" class(dt) managed_dtable
		"base_config" config [ "base" class(dt) simple_dtable ]
		"digest_on_close" bool true
	]`

	tree, err := Parse(src)
	require.NoError(t, err)

	class, err := tree.GetClass("base")
	require.NoError(t, err)
	require.Equal(t, "managed_dtable", class)

	sub, err := tree.GetConfig("base_config")
	require.NoError(t, err)
	subClass, err := sub.GetClass("base")
	require.NoError(t, err)
	require.Equal(t, "simple_dtable", subClass)

	require.True(t, tree.GetBool("digest_on_close", false))
}

func TestParseScalarKinds(t *testing.T) {
	src := `config [
		"count" int 42
		"ratio" float 0.5
		"name" string "hello world"
	]`
	tree, err := Parse(src)
	require.NoError(t, err)
	require.EqualValues(t, 42, tree.GetInt("count", 0))
	require.InDelta(t, 0.5, func() float64 {
		v, _ := tree.Get("ratio")
		return v.Float
	}(), 1e-9)
	require.Equal(t, "hello world", tree.GetString("name", ""))
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse(`config [ "base" class(dt) ]`)
	require.Error(t, err)
}

func TestRenderRoundTrips(t *testing.T) {
	src := `config [ "base" class(dt) simple_dtable "n" int 3 ]`
	tree, err := Parse(src)
	require.NoError(t, err)

	rendered := tree.Render()
	tree2, err := Parse(rendered)
	require.NoError(t, err)
	class, err := tree2.GetClass("base")
	require.NoError(t, err)
	require.Equal(t, "simple_dtable", class)
	require.EqualValues(t, 3, tree2.GetInt("n", 0))
}

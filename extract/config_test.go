package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfigBasic(t *testing.T) {
	entries, err := ParseConfig("mime:ole")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "mime"}, {Short: "ole"}}, entries)
}

func TestParseConfigWithOptions(t *testing.T) {
	entries, err := ParseConfig("jpeg(exif):mime")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "jpeg", Options: "exif"}, {Short: "mime"}}, entries)
}

func TestParseConfigNestedParens(t *testing.T) {
	entries, err := ParseConfig("ole(a(b):c)")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "ole", Options: "a(b):c"}}, entries)
}

func TestParseConfigUnterminatedParen(t *testing.T) {
	_, err := ParseConfig("jpeg(exif")
	require.Error(t, err)
}

func TestParseConfigRemovesPriorEntry(t *testing.T) {
	entries, err := ParseConfig("mime:ole:-mime")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "ole"}}, entries)
}

func TestParseConfigBareRemoveNoMatchIsNoop(t *testing.T) {
	entries, err := ParseConfig("-mime:ole")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "ole"}}, entries)
}

func TestParseConfigEmptyString(t *testing.T) {
	entries, err := ParseConfig("")
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestParseConfigLaterOptionsOverrideEarlier(t *testing.T) {
	entries, err := ParseConfig("jpeg(a):jpeg(b)")
	require.NoError(t, err)
	require.Equal(t, []ConfigEntry{{Short: "jpeg", Options: "b"}}, entries)
}

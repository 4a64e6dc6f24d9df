package columnar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindNamed_OccurrenceOrder(t *testing.T) {
	text, args, err := bindNamed(
		"SELECT * FROM t WHERE a = $first AND b = $second AND c = $first",
		map[string]any{"first": 1, "second": "x"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ? AND c = ?", text)
	assert.Equal(t, []any{1, "x", 1}, args)
}

func TestBindNamed_UnboundPlaceholderFails(t *testing.T) {
	_, _, err := bindNamed("SELECT $known, $unknown", map[string]any{"known": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}

func TestBindNamed_OrphanedParamFails(t *testing.T) {
	_, _, err := bindNamed("SELECT $known", map[string]any{"known": 1, "orphan": 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
}

func TestBindNamed_JSONPathDollarIsNotAPlaceholder(t *testing.T) {
	text, args, err := bindNamed(
		"SELECT json_extract_string(metadata, '$.' || $key) FROM t",
		map[string]any{"key": "env"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT json_extract_string(metadata, '$.' || ?) FROM t", text)
	assert.Equal(t, []any{"env"}, args)
}

func TestBindNamed_StringSliceBecomesList(t *testing.T) {
	_, args, err := bindNamed("SELECT $ids", map[string]any{"ids": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a", "b"}}, args)
}

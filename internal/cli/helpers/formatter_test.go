package helpers

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type row struct {
	Name  string `header:"NAME" json:"name" yaml:"name"`
	Value int    `header:"VALUE" json:"value" yaml:"value"`
	Extra string `json:"-" yaml:"-"`
}

var rows = []row{
	{Name: "first", Value: 1, Extra: "ignored"},
	{Name: "second", Value: 22},
}

func TestNewFormatter(t *testing.T) {
	for _, f := range AllFormats {
		got, err := NewFormatter(f)
		require.NoError(t, err, f)
		assert.NotNil(t, got)
	}
	_, err := NewFormatter("xml")
	assert.Error(t, err)
}

func TestFormatters(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, tableFormatter{}.Format(rows, &buf))
		assert.Equal(t, "NAME     VALUE\nfirst    1\nsecond   22\n", buf.String())
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, csvFormatter{}.Format(rows, &buf))
		assert.Equal(t, "NAME,VALUE\nfirst,1\nsecond,22\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, jsonFormatter{}.Format(rows, &buf))
		var got []map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "second", got[1]["name"])
		assert.NotContains(t, buf.String(), "ignored")
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, yamlFormatter{}.Format(rows, &buf))
		var got []row
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, []row{{Name: "first", Value: 1}, {Name: "second", Value: 22}}, got)
	})

	t.Run("pointers", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, tableFormatter{}.Format([]*row{{Name: "p", Value: 3}}, &buf))
		assert.Contains(t, buf.String(), "p      3")
	})

	t.Run("empty and invalid", func(t *testing.T) {
		var buf bytes.Buffer
		assert.NoError(t, tableFormatter{}.Format([]row{}, &buf))
		assert.NoError(t, csvFormatter{}.Format([]row{}, &buf))
		assert.Empty(t, buf.String())
		assert.ErrorIs(t, tableFormatter{}.Format(rows[0], &buf), errNotSlice)
		assert.ErrorIs(t, csvFormatter{}.Format([]int{1}, &buf), errNotSlice)
	})
}

func TestFormatFlag(t *testing.T) {
	var format string
	cmd := &cobra.Command{Use: "x"}
	AddFormatFlag(cmd, &format, FormatTable, AllFormats)

	require.NoError(t, cmd.Flags().Parse([]string{"-o", "json"}))
	assert.Equal(t, "json", format)
	assert.NoError(t, ValidateFormat(format, AllFormats))

	err := ValidateFormat("xml", AllFormats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json, yaml, csv")
}

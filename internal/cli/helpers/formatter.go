// Package helpers holds output helpers shared by traceme commands.
package helpers

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// OutputFormat is a --format value.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
	FormatCSV   OutputFormat = "csv"
)

// AllFormats lists every supported format.
var AllFormats = []OutputFormat{FormatTable, FormatJSON, FormatYAML, FormatCSV}

var errNotSlice = errors.New("data must be a slice of structs")

// Formatter renders a slice of rows.
type Formatter interface {
	Format(rows any, w io.Writer) error
}

// NewFormatter returns the Formatter for format.
func NewFormatter(format OutputFormat) (Formatter, error) {
	switch format {
	case FormatTable:
		return tableFormatter{}, nil
	case FormatJSON:
		return jsonFormatter{}, nil
	case FormatYAML:
		return yamlFormatter{}, nil
	case FormatCSV:
		return csvFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

type jsonFormatter struct{}

func (jsonFormatter) Format(rows any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

type yamlFormatter struct{}

func (yamlFormatter) Format(rows any, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return enc.Close()
}

// tableFormatter prints the fields carrying a `header` tag, one row per
// element. An empty slice prints nothing.
type tableFormatter struct{}

func (tableFormatter) Format(rows any, w io.Writer) error {
	headers, values, err := tabulate(rows)
	if err != nil || len(values) == 0 {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if _, err := fmt.Fprintln(tw, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range values {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type csvFormatter struct{}

func (csvFormatter) Format(rows any, w io.Writer) error {
	headers, values, err := tabulate(rows)
	if err != nil || len(values) == 0 {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	if err := cw.WriteAll(values); err != nil {
		return err
	}
	return cw.Error()
}

func tabulate(rows any) ([]string, [][]string, error) {
	v := reflect.ValueOf(rows)
	if v.Kind() != reflect.Slice {
		return nil, nil, errNotSlice
	}
	t := v.Type().Elem()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, nil, errNotSlice
	}

	var headers []string
	var fields []int
	for i := 0; i < t.NumField(); i++ {
		if h := t.Field(i).Tag.Get("header"); h != "" {
			headers = append(headers, h)
			fields = append(fields, i)
		}
	}

	values := make([][]string, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		elem := reflect.Indirect(v.Index(i))
		row := make([]string, 0, len(fields))
		for _, f := range fields {
			row = append(row, fmt.Sprint(elem.Field(f).Interface()))
		}
		values = append(values, row)
	}
	return headers, values, nil
}

// Package csvio provides file-based CSV connectors. The sink writes to a
// temporary file and renames it into place on Close, so a failed run never
// leaves a partial output behind under the target name.
package csvio

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowmill/flowmill"
	"github.com/flowmill/flowmill/schema"
)

// Source is a SourceFactory reading CSV files. Parameters:
//
//	path    file to read; ${NAME} references resolve against the run
//	        context's environment bindings
//	header  "true" (default) skips and checks the header row against the
//	        schema's field names
func Source(params map[string]string, s *schema.Schema) (flowmill.RecordSource, error) {
	path := params["path"]
	if path == "" {
		return nil, fmt.Errorf("csv source requires a path parameter")
	}
	return &source{
		path:   path,
		schema: s,
		header: params["header"] != "false",
	}, nil
}

type source struct {
	path   string
	schema *schema.Schema
	header bool

	file   *os.File
	reader *csv.Reader
}

func (s *source) Open(_ context.Context, rc *flowmill.RunContext) error {
	path, err := resolvePath(s.path, rc)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	s.file = f
	s.reader = csv.NewReader(f)
	s.reader.FieldsPerRecord = s.schema.Len()

	if s.header {
		row, err := s.reader.Read()
		if err != nil {
			f.Close()
			return fmt.Errorf("reading header of %s: %w", path, err)
		}
		for i, name := range row {
			if name != s.schema.Field(i).Name {
				f.Close()
				return fmt.Errorf("%s: header column %d is %q, schema declares %q", path, i, name, s.schema.Field(i).Name)
			}
		}
	}
	return nil
}

func (s *source) Next(context.Context) (schema.Record, error) {
	row, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return schema.Record{}, flowmill.ErrEndOfStream
	}
	if err != nil {
		return schema.Record{}, err
	}

	rec := schema.NewRecord(s.schema)
	for i, raw := range row {
		f := s.schema.Field(i)
		v, err := schema.Parse(f.Name, f.Type, raw)
		if err != nil {
			return schema.Record{}, err
		}
		rec, err = rec.Set(f.Name, v)
		if err != nil {
			return schema.Record{}, err
		}
	}
	return rec, nil
}

func (s *source) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Sink is a SinkFactory writing CSV files. Parameters are as for Source. For
// a partitioned output the partition label is inserted into the file name
// before the extension, e.g. orders.csv becomes orders_EU.csv.
func Sink(params map[string]string, s *schema.Schema, partition string) (flowmill.RecordSink, error) {
	path := params["path"]
	if path == "" {
		return nil, fmt.Errorf("csv sink requires a path parameter")
	}
	return &sink{
		path:      path,
		partition: partition,
		schema:    s,
		header:    params["header"] != "false",
	}, nil
}

type sink struct {
	path      string
	partition string
	schema    *schema.Schema
	header    bool

	final  string
	tmp    *os.File
	writer *csv.Writer
}

func (s *sink) Open(_ context.Context, rc *flowmill.RunContext) error {
	path, err := resolvePath(s.path, rc)
	if err != nil {
		return err
	}
	if s.partition != "" {
		ext := filepath.Ext(path)
		path = strings.TrimSuffix(path, ext) + "_" + sanitizeLabel(s.partition) + ext
	}
	s.final = path

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	s.tmp = tmp
	s.writer = csv.NewWriter(tmp)

	if s.header {
		names := make([]string, s.schema.Len())
		for i := 0; i < s.schema.Len(); i++ {
			names[i] = s.schema.Field(i).Name
		}
		return s.writer.Write(names)
	}
	return nil
}

func (s *sink) Write(_ context.Context, rec schema.Record) error {
	row := make([]string, s.schema.Len())
	for i := 0; i < s.schema.Len(); i++ {
		row[i] = rec.At(i).String()
	}
	return s.writer.Write(row)
}

// Close flushes, syncs and renames the temporary file into place. The output
// exists under its final name only after Close returns nil.
func (s *sink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.tmp.Close()
		os.Remove(s.tmp.Name())
		return err
	}
	if err := s.tmp.Sync(); err != nil {
		s.tmp.Close()
		os.Remove(s.tmp.Name())
		return err
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(s.tmp.Name())
		return err
	}
	return os.Rename(s.tmp.Name(), s.final)
}

// Abort removes the temporary file without touching the target path.
func (s *sink) Abort() error {
	if s.tmp == nil {
		return nil
	}
	s.tmp.Close()
	return os.Remove(s.tmp.Name())
}

// sanitizeLabel makes a partition label safe to splice into a file name. A
// separator in a string-valued partition key would otherwise escape the
// target directory.
func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == filepath.Separator {
			return '_'
		}
		return r
	}, label)
}

// resolvePath expands ${NAME} references against the run context's
// environment bindings. Unresolved references are an error rather than an
// empty string.
func resolvePath(path string, rc *flowmill.RunContext) (string, error) {
	var missing []string
	out := os.Expand(path, func(name string) string {
		v, ok := rc.Lookup(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved path variable %q in %q", missing[0], path)
	}
	return out, nil
}

var _ flowmill.AbortableSink = (*sink)(nil)

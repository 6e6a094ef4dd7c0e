package eventlog

import (
	"context"
	"fmt"
	"io"
)

// Loader parses one input format into a Table.
type Loader interface {
	Load(ctx context.Context, r io.Reader) (*Table, error)
}

// Registry maps each format to its loader.
type Registry struct {
	loaders map[Format]Loader
}

// NewRegistry returns a registry with the built-in CSV and XES loaders.
func NewRegistry() *Registry {
	return &Registry{loaders: map[Format]Loader{
		FormatCSV: CSVLoader{},
		FormatXES: XESLoader{},
	}}
}

// Loader returns the loader for a format.
func (r *Registry) Loader(f Format) (Loader, error) {
	l, ok := r.loaders[f]
	if !ok {
		return nil, fmt.Errorf("unsupported event log format %q", f)
	}
	return l, nil
}

// Load parses r with the loader registered for f.
func (r *Registry) Load(ctx context.Context, f Format, src io.Reader) (*Table, error) {
	l, err := r.Loader(f)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, src)
}

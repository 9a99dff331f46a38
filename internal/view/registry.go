package view

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dreamware/rendersync/internal/comm"
	"github.com/dreamware/rendersync/internal/movedata"
)

var (
	ErrUnknownType   = errors.New("unknown view type")
	ErrDuplicateType = errors.New("view type already registered")
)

// Factory builds a view. c is the rank group the view synchronises over.
type Factory func(c comm.Comm) *View

// Registry maps view type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(typeName string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typeName)
	}
	r.factories[typeName] = f
	return nil
}

func (r *Registry) New(typeName string, c comm.Comm) (*View, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return f(c), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DefaultRegistry knows the built-in view types. Render views keep geometry on
// the servers; spreadsheet and chart views draw on the client and collect.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	builtin := []struct {
		name string
		kind Kind
		mode movedata.Mode
	}{
		{"RenderView", KindRender, movedata.PassThrough},
		{"SpreadSheetView", KindSpreadSheet, movedata.Collect},
		{"BarChartView", KindChart, movedata.Collect},
	}
	for _, b := range builtin {
		_ = r.Register(b.name, func(c comm.Comm) *View {
			return New(b.name, b.kind, b.mode, c)
		})
	}
	return r
}

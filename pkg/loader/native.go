//go:build !windows

package loader

import (
	"plugin"

	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/extension"
)

// openModule loads the shared object at path and binds its entry point.
// The module must export:
//
//	func NewExtension() extension.Extension
func openModule(path string) (extension.Extension, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, envelope.NewLoadError(envelope.ErrCodeSymbolResolutionFailed,
			"open %s: %v", path, err)
	}

	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, envelope.NewLoadError(envelope.ErrCodeSymbolResolutionFailed,
			"%s: missing symbol %s: %v", path, EntrySymbol, err)
	}

	factory, ok := sym.(func() extension.Extension)
	if !ok {
		return nil, envelope.NewLoadError(envelope.ErrCodeSymbolResolutionFailed,
			"%s: symbol %s has wrong type %T", path, EntrySymbol, sym)
	}

	ext := factory()
	if ext == nil {
		return nil, envelope.NewLoadError(envelope.ErrCodeSymbolResolutionFailed,
			"%s: %s returned nil", path, EntrySymbol)
	}
	return ext, nil
}

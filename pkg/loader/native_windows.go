//go:build windows

package loader

import (
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/extension"
)

// Go's plugin package does not support windows; native modules cannot be
// loaded there. In-process extensions via Wrap still work.
func openModule(path string) (extension.Extension, error) {
	return nil, envelope.NewLoadError(envelope.ErrCodeSymbolResolutionFailed,
		"native module loading is not supported on windows (%s)", path)
}

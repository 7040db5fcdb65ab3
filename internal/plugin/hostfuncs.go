package plugin

import (
	"context"

	extism "github.com/extism/go-sdk"
	"github.com/spf13/afero"
)

// createReadModuleHostFunc creates the host function returning the bytes of
// the module the plugin instance is bound to
func createReadModuleHostFunc(m *Module) extism.HostFunction {
	return extism.NewHostFunctionWithStack(
		"read_module",
		func(ctx context.Context, plugin *extism.CurrentPlugin, stack []uint64) {
			data, err := afero.ReadFile(m.fs, m.binary)
			if err != nil {
				plugin.Logf(extism.LogLevelError, "Failed to read module %s: %v", m.binary, err)
				stack[0] = 0
				return
			}

			offset, err := plugin.WriteBytes(data)
			if err != nil {
				plugin.Logf(extism.LogLevelError, "Failed to write module bytes: %v", err)
				stack[0] = 0
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{},
		[]extism.ValueType{extism.ValueTypeI64}, // output: offset to module bytes
	)
}

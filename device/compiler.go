package device

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gogpu/naga"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/internal/cache"
)

// Kernel is a compiled compute program.
type Kernel struct {
	Label string
	// WGSL is the full source after defines were applied.
	WGSL string
	// SPIRV holds little-endian 32-bit SPIR-V words.
	SPIRV []uint32
}

// Compiler turns WGSL compute sources into kernels and caches them by
// source and defines. Defines play the role of build options: each entry
// becomes a module-scope const declaration ahead of the source.
//
// Compiler is safe for concurrent use.
type Compiler struct {
	programs *cache.Cache[*Kernel]
	compile  func(string) ([]byte, error)
}

// NewCompiler creates a compiler backed by naga.
func NewCompiler() *Compiler {
	return &Compiler{
		programs: cache.New[*Kernel](0),
		compile:  naga.Compile,
	}
}

// Compile returns the kernel for source with defines applied, compiling it
// on first use.
func (c *Compiler) Compile(label, source string, defines map[string]string) (*Kernel, error) {
	full := ApplyDefines(source, defines)
	return c.programs.GetOrCreate(full, func() (*Kernel, error) {
		spirv, err := c.compile(full)
		if err != nil {
			return nil, fmt.Errorf("device: compile %s: %w", label, err)
		}
		pipeflow.Logger().Debug("device: kernel compiled", "label", label, "words", len(spirv)/4)
		return &Kernel{Label: label, WGSL: full, SPIRV: spirvWords(spirv)}, nil
	})
}

// Stats returns program cache statistics.
func (c *Compiler) Stats() cache.Stats {
	return c.programs.Stats()
}

// ApplyDefines prepends one const declaration per define, in name order.
// A define value must already be a valid WGSL expression, e.g. "16u" or "0.5".
func ApplyDefines(source string, defines map[string]string) string {
	if len(defines) == 0 {
		return source
	}
	names := make([]string, 0, len(defines))
	for name := range defines {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "const %s = %s;\n", name, defines[name])
	}
	b.WriteString(source)
	return b.String()
}

// spirvWords converts SPIR-V bytes to little-endian 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words
}

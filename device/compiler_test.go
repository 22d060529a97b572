package device

import (
	"errors"
	"strings"
	"testing"
)

const doubleKernel = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < SIZE) {
        data[id.x] = data[id.x] * 2.0;
    }
}
`

func TestApplyDefines(t *testing.T) {
	got := ApplyDefines("fn f() {}", map[string]string{"SIZE": "16u", "ALPHA": "0.5"})
	want := "const ALPHA = 0.5;\nconst SIZE = 16u;\nfn f() {}"
	if got != want {
		t.Errorf("ApplyDefines() = %q, want %q", got, want)
	}
	if got := ApplyDefines("x", nil); got != "x" {
		t.Errorf("ApplyDefines(nil) = %q, want x", got)
	}
}

func TestCompilerCaches(t *testing.T) {
	c := NewCompiler()
	calls := 0
	c.compile = func(src string) ([]byte, error) {
		calls++
		return []byte{0x03, 0x02, 0x23, 0x07, 1, 0, 0, 0}, nil
	}

	k1, err := c.Compile("k", "src", map[string]string{"N": "1u"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	k2, _ := c.Compile("k", "src", map[string]string{"N": "1u"})
	if k1 != k2 || calls != 1 {
		t.Errorf("same source and defines compiled %d times, want 1", calls)
	}
	if _, err := c.Compile("k", "src", map[string]string{"N": "2u"}); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("different defines should compile again, calls = %d", calls)
	}
	if k1.SPIRV[0] != 0x07230203 || k1.SPIRV[1] != 1 {
		t.Errorf("SPIRV words = %#x, want little-endian decode", k1.SPIRV)
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 2 {
		t.Errorf("Stats() = %+v, want 1 hit 2 misses", st)
	}
}

func TestCompilerError(t *testing.T) {
	c := NewCompiler()
	boom := errors.New("parse error")
	c.compile = func(string) ([]byte, error) { return nil, boom }

	_, err := c.Compile("bad", "src", nil)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "bad") {
		t.Errorf("Compile() error = %v, want wrapped %v naming the kernel", err, boom)
	}
}

func TestCompilerNaga(t *testing.T) {
	c := NewCompiler()
	k, err := c.Compile("double", doubleKernel, map[string]string{"SIZE": "16u"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(k.SPIRV) == 0 || k.SPIRV[0] != 0x07230203 {
		t.Errorf("SPIR-V magic = %#x, want 0x07230203", k.SPIRV)
	}
	if !strings.HasPrefix(k.WGSL, "const SIZE = 16u;") {
		t.Errorf("WGSL should start with the SIZE define, got %q", k.WGSL[:20])
	}
}

package wgpudev

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/device"
)

type pipelineKey struct {
	kernel   *device.Kernel
	entry    string
	bindings int
}

type computePipeline struct {
	module   *wgpu.ShaderModule
	layout   *wgpu.BindGroupLayout
	pipeline *wgpu.PipelineLayout
	compute  *wgpu.ComputePipeline
}

func (p *computePipeline) release() {
	if p.compute != nil {
		p.compute.Release()
	}
	if p.pipeline != nil {
		p.pipeline.Release()
	}
	if p.layout != nil {
		p.layout.Release()
	}
	if p.module != nil {
		p.module.Release()
	}
}

// pipelineFor builds the compute pipeline for a kernel entry point. Every
// binding is a read-write storage buffer in group 0.
func (d *Device) pipelineFor(k *device.Kernel, entry string, bindings int) (*computePipeline, error) {
	key := pipelineKey{kernel: k, entry: entry, bindings: bindings}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[key]; ok {
		return p, nil
	}

	p := &computePipeline{}
	var err error
	p.module, err = d.gpu.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: k.Label,
		SPIRV: k.SPIRV,
	})
	if err != nil {
		return nil, fmt.Errorf("shader module %q: %w", k.Label, err)
	}

	entries := make([]wgpu.BindGroupLayoutEntry, bindings)
	for i := range entries {
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}
	p.layout, err = d.gpu.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   k.Label + "-bindings",
		Entries: entries,
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("bind group layout %q: %w", k.Label, err)
	}
	p.pipeline, err = d.gpu.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            k.Label + "-layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{p.layout},
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("pipeline layout %q: %w", k.Label, err)
	}
	p.compute, err = d.gpu.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:      k.Label,
		Layout:     p.pipeline,
		Module:     p.module,
		EntryPoint: entry,
	})
	if err != nil {
		p.release()
		return nil, fmt.Errorf("compute pipeline %q: %w", k.Label, err)
	}

	d.pipelines[key] = p
	pipeflow.Logger().Debug("wgpudev: pipeline created", "kernel", k.Label, "entry", entry, "bindings", bindings)
	return p, nil
}

// Dispatch runs a compiled kernel over groups workgroups with the buffers
// bound in order at group 0. The work is queued; Finish waits for it.
func (d *Device) Dispatch(k *device.Kernel, entry string, groups [3]uint32, bindings ...device.Buffer) error {
	if d.closed.Load() {
		return d.fail("Dispatch", pipeflow.ErrClosed)
	}
	if k == nil || len(k.SPIRV) == 0 {
		return d.fail("Dispatch", fmt.Errorf("%w: kernel has no SPIR-V", pipeflow.ErrUnsupportedCapability))
	}
	bufs := make([]*Buffer, len(bindings))
	for i, b := range bindings {
		gb, ok := b.(*Buffer)
		if !ok {
			return d.fail("Dispatch", fmt.Errorf("binding %d: %T is not a wgpu buffer", i, b))
		}
		if err := d.check(gb); err != nil {
			return d.fail("Dispatch", fmt.Errorf("binding %d: %w", i, err))
		}
		bufs[i] = gb
	}

	p, err := d.pipelineFor(k, entry, len(bufs))
	if err != nil {
		return d.fail("Dispatch", err)
	}

	return d.Submit(func() error {
		entries := make([]wgpu.BindGroupEntry, len(bufs))
		for i, b := range bufs {
			entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: b.buf, Size: b.alloc}
		}
		group, err := d.gpu.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   k.Label,
			Layout:  p.layout,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("bind group %q: %w", k.Label, err)
		}
		defer group.Release()

		enc, err := d.gpu.CreateCommandEncoder(nil)
		if err != nil {
			return err
		}
		pass, err := enc.BeginComputePass(nil)
		if err != nil {
			return err
		}
		pass.SetPipeline(p.compute)
		pass.SetBindGroup(0, group, nil)
		pass.Dispatch(groups[0], max(groups[1], 1), max(groups[2], 1))
		if err := pass.End(); err != nil {
			return err
		}
		cmds, err := enc.Finish()
		if err != nil {
			return err
		}
		_, err = d.gpu.Queue().Submit(cmds)
		return err
	})
}

// Command pipeflow runs a small image pipeline: import, threshold and
// optionally resize, then writes the mask as a PNG.
//
//	pipeflow -input in.png -threshold 0.4 -width 256 -output mask.png
//	pipeflow -input in.png -stream 100 -policy newest -device emulated
package main

import (
	"context"
	"errors"
	"flag"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/algorithms/resize"
	"github.com/gogpu/pipeflow/algorithms/threshold"
	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
	"github.com/gogpu/pipeflow/device/wgpudev"
	"github.com/gogpu/pipeflow/importer"
	"github.com/gogpu/pipeflow/pipeline"
	"github.com/gogpu/pipeflow/stream"
)

func main() {
	var (
		input         = flag.String("input", "", "input image (png, jpeg, gif, bmp, tiff, webp)")
		output        = flag.String("output", "mask.png", "output file")
		level         = flag.Float64("threshold", 0.5, "threshold in [0, 1]")
		width         = flag.Int("width", 0, "resize width (0 keeps aspect ratio)")
		height        = flag.Int("height", 0, "resize height (0 keeps aspect ratio)")
		interpolation = flag.String("interpolation", resize.Bilinear, "nearest, bilinear or catmullrom")
		dev           = flag.String("device", "", "execution device: host, emulated or wgpu (default: best available)")
		memory        = flag.String("memory", "256MiB", "accelerator memory budget")
		frames        = flag.Int("stream", 0, "stream the input this many times instead of running once")
		policy        = flag.String("policy", "process-all-frames", "stream policy: newest-frame-only, store-all-frames or process-all-frames")
		verbose       = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("-input is required")
	}
	if *verbose {
		pipeflow.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	budget, err := units.RAMInBytes(*memory)
	if err != nil {
		log.Fatalf("Bad -memory: %v", err)
	}

	devices, err := openDevices(*dev, uint64(budget))
	if err != nil {
		log.Printf("Device selection: %v", err)
	}
	defer func() { _ = devices.Close() }()
	log.Printf("Running on %s", devices.Default().Info().ID)

	pctx := pipeline.NewContext(devices)
	defer func() { _ = pctx.Close() }()

	mask := pctx.NewNode("threshold", threshold.New(*level))
	last := mask
	lastOut := "mask"
	if *width > 0 || *height > 0 {
		scale := pctx.NewNode("resize", resize.New(),
			pipeline.WithParam("width", strconv.Itoa(*width)),
			pipeline.WithParam("height", strconv.Itoa(*height)),
			pipeline.WithParam("interpolation", *interpolation))
		if err := scale.Connect("image", mask, "mask"); err != nil {
			log.Fatal(err)
		}
		last, lastOut = scale, "image"
	}

	ctx := context.Background()
	var result *data.Object
	if *frames > 0 {
		result, err = runStream(ctx, devices, mask, last, lastOut, *input, *frames, *policy)
	} else {
		load := pctx.NewNode("load", importer.New(), pipeline.WithParam("filename", *input))
		if err = mask.Connect("image", load, "image"); err == nil {
			result, err = last.Pull(ctx, lastOut)
		}
	}
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	if err := writeMask(*output, result, devices.Host()); err != nil {
		log.Fatalf("Failed to save: %v", err)
	}
	log.Printf("Mask saved to %s (%s)", *output, result.Shape())
}

// openDevices builds the device set through the selector, with wgpu
// registered on top of the built-in devices.
func openDevices(name string, budget uint64) (*device.Set, error) {
	s := device.DefaultSelector()
	s.Register("emulated", func() (device.Device, error) {
		return device.NewEmulated(device.WithMemoryBudget(budget)), nil
	})
	wgpudev.Register(s, wgpudev.WithMemoryBudget(budget), wgpudev.WithLabel("pipeflow"))
	if name != "" {
		return s.Select(name)
	}
	set, err := s.Select()
	if err == nil {
		return set, nil
	}
	log.Printf("Best device unavailable, using emulated: %v", err)
	_ = set.Close()
	return s.Select("emulated")
}

func runStream(ctx context.Context, devices *device.Set, head, last *pipeline.Node, out, input string, frames int, policy string) (*data.Object, error) {
	p, err := stream.ParsePolicy(policy)
	if err != nil {
		return nil, err
	}
	paths := make([]string, frames)
	for i := range paths {
		paths[i] = input
	}
	src := stream.New(importer.Files(devices.Host(), importer.Gray32F, paths...), stream.WithPolicy(p))
	defer func() { _ = src.Stop() }()

	if err := head.SetInputData("image", data.NewDynamic(data.KindImage, src)); err != nil {
		return nil, err
	}
	var result *data.Object
	for n := 0; ; n++ {
		obj, err := last.Pull(ctx, out)
		if errors.Is(err, pipeflow.ErrEndOfStream) {
			st := src.Stats()
			log.Printf("Stream done: %d frames processed, %d produced, %d dropped", n, st.Produced, st.Dropped)
			break
		}
		if err != nil {
			return nil, err
		}
		result = obj
	}
	if result == nil {
		return nil, errors.New("stream produced no frames")
	}
	return result, nil
}

// writeMask writes a 0/1 uint8 mask as a black and white PNG.
func writeMask(path string, mask *data.Object, host device.Device) error {
	shape := mask.Shape()
	if len(shape.Dims) != 2 {
		return errors.New("only 2D masks can be saved")
	}
	a, err := mask.GetAccess(data.Read, host, data.StorageHost)
	if err != nil {
		return err
	}
	defer a.Release()

	img := image.NewGray(image.Rect(0, 0, shape.Dims[0], shape.Dims[1]))
	for i, v := range a.Host() {
		if v != 0 {
			img.Pix[i] = 0xff
		}
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package device

import (
	"github.com/gogpu/gputypes"
)

// FormatKey identifies an image layout in a capability table.
type FormatKey struct {
	Dimension gputypes.TextureDimension
	Format    gputypes.TextureFormat
}

// Capabilities is the capability table of a device: resource limits,
// optional features and the usages allowed per image layout.
//
// Algorithms consult it to choose between a native multi-dimensional
// write path and a linear buffer fallback.
type Capabilities struct {
	Limits   gputypes.Limits
	Features gputypes.Features
	Formats  map[FormatKey]gputypes.TextureUsage
}

// allUsages is the usage set granted to fully supported layouts.
const allUsages = gputypes.TextureUsageCopySrc |
	gputypes.TextureUsageCopyDst |
	gputypes.TextureUsageTextureBinding |
	gputypes.TextureUsageStorageBinding

// HostCapabilities returns the capability table of host memory: every known
// format in every dimension with every usage, and no resource limits beyond
// the memory budget.
func HostCapabilities() *Capabilities {
	c := &Capabilities{
		Limits:  gputypes.DefaultLimits(),
		Formats: make(map[FormatKey]gputypes.TextureUsage),
	}
	c.Limits.MaxTextureDimension1D = 1 << 30
	c.Limits.MaxTextureDimension2D = 1 << 30
	c.Limits.MaxTextureDimension3D = 1 << 30
	c.Limits.MaxBufferSize = 1 << 62
	c.Features.Insert(gputypes.FeatureFloat32Filterable)
	for format := range formatInfoTable {
		for _, dim := range []gputypes.TextureDimension{
			gputypes.TextureDimension1D, gputypes.TextureDimension2D, gputypes.TextureDimension3D,
		} {
			c.Formats[FormatKey{dim, format}] = allUsages
		}
	}
	return c
}

// AcceleratorCapabilities returns the default table of an emulated
// accelerator. 1D and 2D images support every usage; 3D images cannot be
// bound for storage writes, matching devices that lack 3D image writes.
func AcceleratorCapabilities() *Capabilities {
	c := &Capabilities{
		Limits:  gputypes.DefaultLimits(),
		Formats: make(map[FormatKey]gputypes.TextureUsage),
	}
	for format := range formatInfoTable {
		c.Formats[FormatKey{gputypes.TextureDimension1D, format}] = allUsages
		c.Formats[FormatKey{gputypes.TextureDimension2D, format}] = allUsages
		c.Formats[FormatKey{gputypes.TextureDimension3D, format}] = allUsages &^ gputypes.TextureUsageStorageBinding
	}
	return c
}

// Supports reports whether an image of dim and format can be used with
// every bit of usage.
func (c *Capabilities) Supports(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	if c == nil {
		return false
	}
	allowed, ok := c.Formats[FormatKey{dim, format}]
	if !ok {
		return false
	}
	return allowed&usage == usage
}

// Allow adds usage to the allowed set for dim and format.
func (c *Capabilities) Allow(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) {
	if c.Formats == nil {
		c.Formats = make(map[FormatKey]gputypes.TextureUsage)
	}
	c.Formats[FormatKey{dim, format}] |= usage
}

// Deny removes usage from the allowed set for dim and format. Removing every
// usage drops the layout entirely.
func (c *Capabilities) Deny(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) {
	key := FormatKey{dim, format}
	left := c.Formats[key] &^ usage
	if left == gputypes.TextureUsageNone {
		delete(c.Formats, key)
		return
	}
	c.Formats[key] = left
}

// fitsLimits reports whether an image extent fits the dimension limits.
func (c *Capabilities) fitsLimits(dim gputypes.TextureDimension, size gputypes.Extent3D) bool {
	switch dim {
	case gputypes.TextureDimension1D:
		return size.Width <= c.Limits.MaxTextureDimension1D
	case gputypes.TextureDimension2D:
		limit := c.Limits.MaxTextureDimension2D
		return size.Width <= limit && size.Height <= limit
	case gputypes.TextureDimension3D:
		limit := c.Limits.MaxTextureDimension3D
		return size.Width <= limit && size.Height <= limit && size.DepthOrArrayLayers <= limit
	default:
		return false
	}
}

// DimensionOf returns the image dimension implied by an extent.
func DimensionOf(size gputypes.Extent3D) gputypes.TextureDimension {
	switch {
	case size.DepthOrArrayLayers > 1:
		return gputypes.TextureDimension3D
	case size.Height > 1:
		return gputypes.TextureDimension2D
	default:
		return gputypes.TextureDimension1D
	}
}

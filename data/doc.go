// Package data implements pipeflow data objects.
//
// An [Object] is one logical artifact (image, tensor, mesh, batch or
// sequence) that may exist as several representations: a host array, a
// device buffer, a device image or a vertex buffer, on any number of
// devices. At most one representation exists per device and storage kind.
//
// # Versions
//
// Every write bumps the object's master version and tags the written
// representation with it. Siblings keep their old tag and are stale until
// the next read converts a fresh copy into them:
//
//	host → device     device.Upload
//	device → host     device.Finish, then device.Download
//	device → device   device.PeerCopier when available, else staged through host
//
// Converted copies are cached; [Object.Conversions] counts them.
//
// # Access guards
//
// [Object.GetAccess] is the only way to read or write bytes. Readers share a
// representation; a writer holds it alone. A conflicting request returns
// pipeflow.ErrAccessConflict instead of racing.
//
// # Lifetime
//
// Objects are shared with [Object.Ref] and [Object.Unref]. Device memory is
// additionally pinned per device with [Object.Retain] and [Object.Release],
// so a node that consumes an input once can free its device copy early
// while other nodes still hold the object.
package data

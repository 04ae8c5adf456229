// Package ims is the source adapter for Imaris (.ims) containers. An IMS
// file is an HDF5 hierarchy; the full-resolution image of channel n lives at
// DataSet/ResolutionLevel 0/TimePoint 0/Channel n/Data as a z,y,x array of
// uint16 samples. The adapter exposes the volume shape and random-access
// slab reads; it never caches, and every read opens its own handle so
// workers can call it concurrently without sharing HDF5 state (the
// underlying C library is not thread-safe on a shared handle).
package ims

import (
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/hdf5"

	"github.com/florenthaiss/ims-zarrConverter/internal/models"
)

var (
	ErrSourceOpen  = errors.New("cannot open IMS container")
	ErrOutOfBounds = errors.New("slab out of bounds")
	ErrRead        = errors.New("source read failed")
)

// Volume is a handle on one IMS container. It holds no open file descriptor
// between calls; the path and the probed geometry are its only state, which
// keeps it trivially shareable across workers.
type Volume struct {
	path string
	info models.Volume
}

// Open probes the container: verifies it is an HDF5 file, reads the level-0
// dataset extent, and counts the acquisition channels.
func Open(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	if !hdf5.IsHDF5(path) {
		return nil, fmt.Errorf("%w: %s is not an HDF5 file", ErrSourceOpen, path)
	}

	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	defer f.Close()

	dset, err := f.OpenDataset(channelDataPath(0))
	if err != nil {
		return nil, fmt.Errorf("%w: no level-0 image data (%v)", ErrSourceOpen, err)
	}
	space := dset.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	dset.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading dataset extent: %v", ErrSourceOpen, err)
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("%w: level-0 data has %d dimensions, want 3 (z,y,x)",
			ErrSourceOpen, len(dims))
	}

	// Channels are stored as sibling groups; probe until one is missing.
	channels := 1
	for {
		d, err := f.OpenDataset(channelDataPath(channels))
		if err != nil {
			break
		}
		d.Close()
		channels++
	}

	return &Volume{
		path: path,
		info: models.Volume{
			Channels: channels,
			Shape:    models.Dims{Z: int(dims[0]), Y: int(dims[1]), X: int(dims[2])},
			Dtype:    models.DtypeUint16,
		},
	}, nil
}

// Info reports the probed volume geometry.
func (v *Volume) Info() models.Volume { return v.info }

// ReadSlab reads one contiguous box of a channel at full resolution,
// returned in row-major z,y,x order. The read is self-contained: it opens
// and closes its own HDF5 handle, selecting the box as a hyperslab of the
// channel dataset.
func (v *Volume) ReadSlab(channel int, region models.Box) ([]uint16, error) {
	if channel < 0 || channel >= v.info.Channels {
		return nil, fmt.Errorf("%w: channel %d of %d", ErrOutOfBounds, channel, v.info.Channels)
	}
	off, size := region.Off, region.Size
	if size.Z <= 0 || size.Y <= 0 || size.X <= 0 {
		return nil, fmt.Errorf("%w: empty slab %s", ErrOutOfBounds, size)
	}
	s := v.info.Shape
	if off.Z < 0 || off.Y < 0 || off.X < 0 ||
		off.Z+size.Z > s.Z || off.Y+size.Y > s.Y || off.X+size.X > s.X {
		return nil, fmt.Errorf("%w: slab %s+%s exceeds volume %s", ErrOutOfBounds, off, size, s)
	}

	f, err := hdf5.OpenFile(v.path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer f.Close()

	dset, err := f.OpenDataset(channelDataPath(channel))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer dset.Close()

	offset := []uint{uint(off.Z), uint(off.Y), uint(off.X)}
	count := []uint{uint(size.Z), uint(size.Y), uint(size.X)}

	filespace := dset.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return nil, fmt.Errorf("%w: selecting hyperslab: %v", ErrRead, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer memspace.Close()

	buf := make([]uint16, size.Elements())
	if err := dset.ReadSubset(&buf, memspace, filespace); err != nil {
		return nil, fmt.Errorf("%w: slab %s+%s: %v", ErrRead, off, size, err)
	}
	return buf, nil
}

// channelDataPath returns the HDF5 path of a channel's full-resolution data.
// IMS files always name the first timepoint "TimePoint 0".
func channelDataPath(channel int) string {
	return fmt.Sprintf("DataSet/ResolutionLevel 0/TimePoint 0/Channel %d/Data", channel)
}

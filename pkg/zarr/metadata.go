package zarr

import (
	"github.com/florenthaiss/ims-zarrConverter/internal/models"
)

// On-disk metadata file names of the zarr v2 directory layout.
const (
	groupFile = ".zgroup"
	arrayFile = ".zarray"
	attrsFile = ".zattrs"
)

// zarrFormat is the only zarr version this store reads or writes.
const zarrFormat = 2

// MultiscaleType names the reduction used to derive coarser levels. It is
// advertised in the multiscales metadata so consumers know the pyramid was
// built with a block mean.
const MultiscaleType = "local mean"

// groupMeta is the content of .zgroup.
type groupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

// arrayMeta is the content of a level's .zarray file. Arrays are always
// five-dimensional (t, c, z, y, x) with t == 1, row-major, with the "/"
// chunk key separator so chunks land in nested directories.
type arrayMeta struct {
	ZarrFormat         int                    `json:"zarr_format"`
	Shape              []int                  `json:"shape"`
	Chunks             []int                  `json:"chunks"`
	Dtype              string                 `json:"dtype"`
	Compressor         map[string]interface{} `json:"compressor"`
	FillValue          interface{}            `json:"fill_value"`
	Order              string                 `json:"order"`
	Filters            interface{}            `json:"filters"`
	DimensionSeparator string                 `json:"dimension_separator"`
}

// axis is one entry of the multiscales "axes" list (OME-NGFF 0.4).
type axis struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

// coordTransform carries the per-level scale that maps array indices to
// physical coordinates.
type coordTransform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

// datasetMeta is one entry of the multiscales "datasets" list.
type datasetMeta struct {
	Path                      string           `json:"path"`
	CoordinateTransformations []coordTransform `json:"coordinateTransformations"`
}

// multiscale is the OME-NGFF 0.4 multiscales entry written to the root
// .zattrs. Readers reconstruct the full pyramid geometry from it.
type multiscale struct {
	Version  string        `json:"version"`
	Name     string        `json:"name"`
	Axes     []axis        `json:"axes"`
	Datasets []datasetMeta `json:"datasets"`
	Type     string        `json:"type"`
}

// omeroChannel mirrors the rendering hints the original converter emitted so
// viewers pick a sane initial contrast window.
type omeroChannel struct {
	Label       string       `json:"label"`
	Color       string       `json:"color"`
	Window      omeroWindow  `json:"window"`
	Active      bool         `json:"active"`
	Coefficient float64      `json:"coefficient"`
	Family      string       `json:"family"`
	Inverted    bool         `json:"inverted"`
}

type omeroWindow struct {
	Min   int `json:"min"`
	Max   int `json:"max"`
	Start int `json:"start"`
	End   int `json:"end"`
}

type omeroMeta struct {
	Version  string         `json:"version"`
	Name     string         `json:"name"`
	Channels []omeroChannel `json:"channels"`
	Rdefs    omeroRdefs     `json:"rdefs"`
}

type omeroRdefs struct {
	Model    string `json:"model"`
	DefaultT int    `json:"defaultT"`
	DefaultZ int    `json:"defaultZ"`
}

// CropRecord is the provenance entry added to a cropped store's root
// attributes. The cropped store is otherwise standalone: its own shape and
// chunk metadata describe only the cropped extent.
type CropRecord struct {
	Source          string `json:"source"`
	ZStartInclusive int    `json:"z_start_inclusive"`
	ZEndInclusive   int    `json:"z_end_inclusive"`
	TimestampUTC    string `json:"timestamp_utc"`
}

// Meta is the run-level description used to create a store.
type Meta struct {
	// Name labels the multiscale image; the store's base name by convention.
	Name string

	// Channels is the channel count; the c axis extent of every level.
	Channels int

	// ChannelNames labels the omero channels; defaults to indices when empty.
	ChannelNames []string

	// VoxelSize is the physical voxel size at level 0 in z, y, x order.
	VoxelSize [3]float64

	// Unit is the spatial axis unit, "micrometer" by default.
	Unit string

	// Factor is the decimation factor between adjacent levels.
	Factor int

	// Partial marks a store produced by a capped (benchmark) run whose
	// declared levels are not fully covered by chunk data.
	Partial bool
}

// levelScale returns the physical scale transform for one level: the level-0
// voxel size multiplied by factor^level along the spatial axes.
func levelScale(meta Meta, level int) []float64 {
	f := 1.0
	for i := 0; i < level; i++ {
		f *= float64(meta.Factor)
	}
	return []float64{1, 1, meta.VoxelSize[0] * f, meta.VoxelSize[1] * f, meta.VoxelSize[2] * f}
}

// shape5 returns the 5-d zarr shape for a level extent.
func shape5(channels int, d models.Dims) []int {
	return []int{1, channels, d.Z, d.Y, d.X}
}

// chunk5 returns the 5-d zarr chunk shape; t and c chunks are always 1.
func chunk5(d models.Dims) []int {
	return []int{1, 1, d.Z, d.Y, d.X}
}

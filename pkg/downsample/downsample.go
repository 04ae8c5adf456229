// Package downsample derives coarser pyramid levels from finer ones using a
// fixed block-mean reduction. The mean matches the "local mean" multiscale
// type advertised in the store metadata; changing the rule changes both the
// visual and quantitative content of every level above 0, so it is fixed per
// deployment rather than configurable.
package downsample

import "github.com/florenthaiss/ims-zarrConverter/internal/models"

// BlockMean reduces a row-major z,y,x tile by the given integer factor along
// every spatial axis. Each output voxel is the rounded mean of the factor³
// input block beneath it. Boundary blocks smaller than the factor are
// averaged over only the samples present, so output levels never contain
// synthetic padding values.
func BlockMean(src []uint16, size models.Dims, factor int) ([]uint16, models.Dims) {
	if factor <= 1 {
		out := make([]uint16, len(src))
		copy(out, src)
		return out, size
	}

	dst := models.Dims{
		Z: ceilDiv(size.Z, factor),
		Y: ceilDiv(size.Y, factor),
		X: ceilDiv(size.X, factor),
	}
	out := make([]uint16, dst.Elements())

	for dz := 0; dz < dst.Z; dz++ {
		z0 := dz * factor
		z1 := min(z0+factor, size.Z)
		for dy := 0; dy < dst.Y; dy++ {
			y0 := dy * factor
			y1 := min(y0+factor, size.Y)
			for dx := 0; dx < dst.X; dx++ {
				x0 := dx * factor
				x1 := min(x0+factor, size.X)

				var sum uint64
				count := uint64((z1 - z0) * (y1 - y0) * (x1 - x0))
				for z := z0; z < z1; z++ {
					zBase := z * size.Y * size.X
					for y := y0; y < y1; y++ {
						row := zBase + y*size.X
						for x := x0; x < x1; x++ {
							sum += uint64(src[row+x])
						}
					}
				}
				// Round to nearest rather than truncate so repeated
				// decimation does not drift dark.
				out[(dz*dst.Y+dy)*dst.X+dx] = uint16((sum + count/2) / count)
			}
		}
	}
	return out, dst
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

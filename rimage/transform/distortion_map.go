package transform

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DistortionMap is a dense remap table at a fixed resolution. For each undistorted destination
// pixel it holds the position of the matching pixel in the distorted source image, stored as
// interleaved float32 (x, y) pairs in row major order.
type DistortionMap struct {
	Width  int
	Height int
	Data   []float32
}

// NewDistortionMap rasterizes the lens model of the intrinsics over every pixel of their
// resolution. Each destination pixel goes through the inverse camera matrix, the forward
// distortion and the forward camera matrix, so remapping a captured image with the table removes
// the lens distortion. The build fails on non-finite coefficients and on any table entry that is
// not finite.
func NewDistortionMap(params *Intrinsics) (*DistortionMap, error) {
	return newRemapTable(params, BrownConradyDistortionType)
}

// NewPredistortionMap is the table for the opposite direction: each destination pixel is a
// distorted position and reads the undistorted position the lens model sends it to. Remapping an
// ideal image with it gives the frame a projector must display for its lens to show the ideal
// image.
func NewPredistortionMap(params *Intrinsics) (*DistortionMap, error) {
	return newRemapTable(params, InverseBrownConradyDistortionType)
}

func newRemapTable(params *Intrinsics, model DistortionType) (*DistortionMap, error) {
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	source, err := params.PixelFunc(model)
	if err != nil {
		return nil, err
	}
	dm := &DistortionMap{
		Width:  params.Width,
		Height: params.Height,
		Data:   make([]float32, 2*params.Width*params.Height),
	}
	for v := 0; v < params.Height; v++ {
		for u := 0; u < params.Width; u++ {
			x, y := source(float64(u), float64(v))
			if !isFinite(x) || !isFinite(y) {
				return nil, errors.Wrapf(ErrInvalidDistortion,
					"cannot build %s map at pixel (%d, %d): result is not finite", model, u, v)
			}
			i := 2 * (v*params.Width + u)
			dm.Data[i] = float32(x)
			dm.Data[i+1] = float32(y)
		}
	}
	return dm, nil
}

// Lookup returns the distorted source position for destination pixel (u, v).
func (dm *DistortionMap) Lookup(u, v int) (float64, float64, bool) {
	if u < 0 || v < 0 || u >= dm.Width || v >= dm.Height {
		return 0, 0, false
	}
	i := 2 * (v*dm.Width + u)
	return float64(dm.Data[i]), float64(dm.Data[i+1]), true
}

// Remap resamples an image of the map's resolution through the table with bilinear
// interpolation. Destination pixels that map more than half a pixel outside the source are
// transparent.
func (dm *DistortionMap) Remap(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() != dm.Width || b.Dy() != dm.Height {
		return nil, errors.Errorf("image size (%d, %d) does not match distortion map size (%d, %d)",
			b.Dx(), b.Dy(), dm.Width, dm.Height)
	}
	src := imaging.Clone(img)
	dst := imaging.New(dm.Width, dm.Height, color.NRGBA{})
	for v := 0; v < dm.Height; v++ {
		for u := 0; u < dm.Width; u++ {
			x, y, _ := dm.Lookup(u, v)
			c, ok := bilinearNRGBA(src, x, y)
			if ok {
				dst.SetNRGBA(u, v, c)
			}
		}
	}
	return dst, nil
}

func bilinearNRGBA(src *image.NRGBA, x, y float64) (color.NRGBA, bool) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if x < -0.5 || y < -0.5 || x > float64(w)-0.5 || y > float64(h)-0.5 {
		return color.NRGBA{}, false
	}
	x = math.Max(0, math.Min(x, float64(w-1)))
	y = math.Max(0, math.Min(y, float64(h-1)))
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	at := func(px, py int) []uint8 {
		i := src.PixOffset(px+src.Rect.Min.X, py+src.Rect.Min.Y)
		return src.Pix[i : i+4]
	}
	p00, p10, p01, p11 := at(x0, y0), at(x1, y0), at(x0, y1), at(x1, y1)
	var out [4]uint8
	for k := 0; k < 4; k++ {
		top := float64(p00[k])*(1-fx) + float64(p10[k])*fx
		bottom := float64(p01[k])*(1-fx) + float64(p11[k])*fx
		out[k] = uint8(math.Round(top*(1-fy) + bottom*fy))
	}
	return color.NRGBA{R: out[0], G: out[1], B: out[2], A: out[3]}, true
}

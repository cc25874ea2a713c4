package software

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/gogpu/kernelview/gpucore"
)

// Framebuffer is the draw target of the software device.
type Framebuffer struct {
	img *image.RGBA
}

// NewFramebuffer creates a width x height framebuffer.
func NewFramebuffer(width, height int) *Framebuffer {
	return &Framebuffer{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Size returns the framebuffer extent.
func (f *Framebuffer) Size() (width, height int) {
	b := f.img.Bounds()
	return b.Dx(), b.Dy()
}

// Image returns the pixels drawn so far. Row 0 is the top of the window.
func (f *Framebuffer) Image() *image.RGBA { return f.img }

// ReadPixels returns a copy of the pixels drawn so far.
func (f *Framebuffer) ReadPixels() (*image.RGBA, error) {
	out := image.NewRGBA(f.img.Bounds())
	copy(out.Pix, f.img.Pix)
	return out, nil
}

// Resize reallocates the framebuffer when the extent changes.
func (f *Framebuffer) Resize(width, height int) {
	if w, h := f.Size(); w == width && h == height {
		return
	}
	f.img = image.NewRGBA(image.Rect(0, 0, width, height))
}

type vertex struct {
	x, y float32 // framebuffer pixels, y down
	u, v float32
}

type triangle [3]vertex

// Draw clears target and rasterizes the vertex buffer as a triangle list,
// shading every covered pixel center with the fragment stage.
func (d *Device) Draw(target gpucore.Target, call *gpucore.DrawCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return gpucore.NewRuntimeError(gpucore.CodeDeviceLost, "draw", gpucore.ErrTornDown)
	}
	fb, ok := target.(*Framebuffer)
	if !ok {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidOperation, "draw",
			fmt.Errorf("%w: %T", gpucore.ErrUnsupportedTarget, target))
	}
	p, ok := d.programs[call.Program]
	if !ok || p.compute {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, "draw",
			fmt.Errorf("program %d: %w", call.Program, gpucore.ErrUnknownProgram))
	}
	op := "draw " + p.label
	verts, ok := d.buffers[call.VertexBuffer]
	if !ok {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
			fmt.Errorf("vertex buffer %d: %w", call.VertexBuffer, gpucore.ErrUnknownBuffer))
	}
	n := int(call.VertexCount)
	if n%3 != 0 || n*gpucore.QuadFloatsPerVertex > len(verts) {
		return gpucore.NewRuntimeError(gpucore.CodeInvalidValue, op,
			fmt.Errorf("vertex count %d does not fit a triangle list over %d vertices",
				n, len(verts)/gpucore.QuadFloatsPerVertex))
	}
	b, _, err := d.bindLocked(op, p, call.Bindings)
	if err != nil {
		return err
	}

	w, h := fb.Size()
	tris := make([]triangle, 0, n/3)
	for i := 0; i < n; i += 3 {
		var t triangle
		for k := range 3 {
			v := verts[(i+k)*gpucore.QuadFloatsPerVertex:]
			t[k] = vertex{
				x: (v[0] + 1) * 0.5 * float32(w),
				y: (1 - v[1]) * 0.5 * float32(h),
				u: v[2],
				v: v[3],
			}
		}
		tris = append(tris, t)
	}

	clearTo(fb.img, call.Clear)

	var failed *fault
	rows := make([]*fault, h)
	d.pool.ExecuteRange(h, func(lo, hi int) {
		defer func() {
			if r := recover(); r != nil {
				f, ok := r.(fault)
				if !ok {
					f = fault{code: gpucore.CodeInvalidOperation, msg: fmt.Sprint(r)}
				}
				rows[lo] = &f
			}
		}()
		for y := lo; y < hi; y++ {
			for i := range tris {
				shadeRow(fb.img, &tris[i], y, w, p, b)
			}
		}
	})
	for _, f := range rows {
		if f != nil {
			failed = f
			break
		}
	}
	if failed != nil {
		return gpucore.NewRuntimeError(failed.code, op, errors.New(failed.msg))
	}
	d.draws++
	return nil
}

func clearTo(img *image.RGBA, c [4]float64) {
	px := [4]uint8{toUnorm(float32(c[0])), toUnorm(float32(c[1])), toUnorm(float32(c[2])), toUnorm(float32(c[3]))}
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:i+4], px[:])
	}
}

func edge(a, b *vertex, px, py float32) float32 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

// owns breaks ties for pixel centers exactly on an edge. A shared edge is
// traversed in opposite directions by its two triangles, so exactly one of
// them owns the center.
func owns(a, b *vertex) bool {
	dy := b.y - a.y
	return dy > 0 || (dy == 0 && b.x < a.x)
}

func shadeRow(img *image.RGBA, t *triangle, y, w int, p *program, b *Bindings) {
	v0, v1, v2 := &t[0], &t[1], &t[2]
	area := edge(v0, v1, v2.x, v2.y)
	if area == 0 {
		return
	}
	if area < 0 {
		v1, v2 = v2, v1
		area = -area
	}
	cy := float32(y) + 0.5
	if cy < min(v0.y, v1.y, v2.y) || cy > max(v0.y, v1.y, v2.y) {
		return
	}
	x0 := max(0, int(math.Floor(float64(min(v0.x, v1.x, v2.x)))))
	x1 := min(w-1, int(math.Ceil(float64(max(v0.x, v1.x, v2.x)))))

	frag := Fragment{}
	for x := x0; x <= x1; x++ {
		cx := float32(x) + 0.5
		w0 := edge(v1, v2, cx, cy)
		w1 := edge(v2, v0, cx, cy)
		w2 := edge(v0, v1, cx, cy)
		if !inside(w0, v1, v2) || !inside(w1, v2, v0) || !inside(w2, v0, v1) {
			continue
		}
		l0, l1, l2 := w0/area, w1/area, w2/area
		frag.Position = [2]float32{cx, cy}
		frag.UV = [2]float32{
			l0*v0.u + l1*v1.u + l2*v2.u,
			l0*v0.v + l1*v1.v + l2*v2.v,
		}
		src := p.fragment(&frag, b)
		blendPixel(img, x, y, src, p.blend)
	}
}

func inside(e float32, a, b *vertex) bool {
	return e > 0 || (e == 0 && owns(a, b))
}

// blendPixel composites src over the pixel with SRC_ALPHA,
// ONE_MINUS_SRC_ALPHA factors on all four channels.
func blendPixel(img *image.RGBA, x, y int, src [4]float32, blend bool) {
	i := img.PixOffset(x, y)
	px := img.Pix[i : i+4 : i+4]
	if !blend {
		for c := range 4 {
			px[c] = toUnorm(src[c])
		}
		return
	}
	a := clamp01(src[3])
	for c := range 4 {
		dst := float32(px[c]) / 255
		px[c] = toUnorm(clamp01(src[c])*a + dst*(1-a))
	}
}

func clamp01(v float32) float32 {
	if math.IsNaN(float64(v)) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toUnorm(v float32) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}

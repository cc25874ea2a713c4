package kernels

import (
	"github.com/chewxy/math32"

	"github.com/gogpu/kernelview/backend/software"
)

type vec3 [3]float32

func (a vec3) add(b vec3) vec3      { return vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a vec3) sub(b vec3) vec3      { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) scale(s float32) vec3 { return vec3{a[0] * s, a[1] * s, a[2] * s} }
func (a vec3) dot(b vec3) float32   { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a vec3) normalize() vec3 {
	return a.scale(1 / math32.Sqrt(a.dot(a)))
}

type sphere struct {
	center vec3
	radius float32
	albedo vec3
}

// scene matches the arrays in scene_init.wgsl.
var scene = [...]sphere{
	{vec3{0, 0, -4}, 1, vec3{0.9, 0.2, 0.2}},
	{vec3{-2.2, -0.3, -5}, 0.7, vec3{0.2, 0.8, 0.3}},
	{vec3{2, -0.5, -3.5}, 0.5, vec3{0.2, 0.4, 0.9}},
	{vec3{0, -101, -4}, 100, vec3{0.8, 0.8, 0.8}},
}

// hit returns the distance along dir (unit, from the origin) to the sphere,
// or a negative value on a miss.
func (s *sphere) hit(dir vec3) float32 {
	b := s.center.dot(dir)
	c := s.center.dot(s.center) - s.radius*s.radius
	disc := b*b - c
	if disc < 0 {
		return -1
	}
	return b - math32.Sqrt(disc)
}

// sceneInit mirrors scene_init.wgsl.
func sceneInit(inv *software.Invocation) {
	color := inv.Image(0)
	w, h := color.Width(), color.Height()
	x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
	if x >= w || y >= h {
		return
	}

	u := (float32(x) + 0.5) / float32(w)
	v := (float32(y) + 0.5) / float32(h)
	aspect := float32(w) / float32(h)
	dir := vec3{(u*2 - 1) * aspect, v*2 - 1, -1.5}.normalize()

	nearest := float32(1e30)
	hit := -1
	for i := range scene {
		if t := scene[i].hit(dir); t > 0 && t < nearest {
			nearest, hit = t, i
		}
	}

	t := 0.5 * (dir[1] + 1)
	rgb := vec3{1, 1, 1}.scale(1 - t).add(vec3{0.5, 0.7, 1}.scale(t))
	if hit >= 0 {
		n := dir.scale(nearest).sub(scene[hit].center).normalize()
		light := vec3{1, 1, 0.5}.normalize()
		rgb = scene[hit].albedo.scale(0.15 + 0.85*math32.Max(n.dot(light), 0))
	}
	color.Store(x, y, 0, [4]float32{rgb[0], rgb[1], rgb[2], 1})
}

const hueAngle = 0.05

// hueRotate mirrors hue_rotate.wgsl.
func hueRotate(inv *software.Invocation) {
	src, dst := inv.Image(0), inv.Image(1)
	x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
	if x >= src.Width() || y >= src.Height() {
		return
	}
	c := src.Load(x, y, 0)

	cs := math32.Cos(hueAngle)
	k := (1 - cs) / 3
	s := math32.Sqrt(1.0/3) * math32.Sin(hueAngle)
	dst.Store(x, y, 0, [4]float32{
		c[0]*(cs+k) + c[1]*(k-s) + c[2]*(k+s),
		c[0]*(k+s) + c[1]*(cs+k) + c[2]*(k-s),
		c[0]*(k-s) + c[1]*(k+s) + c[2]*(cs+k),
		c[3],
	})
}

// quadFragment mirrors fs_main in quad.wgsl.
func quadFragment(frag *software.Fragment, b *software.Bindings) [4]float32 {
	return b.Image(0).Sample(frag.UV[0], frag.UV[1])
}

package kernels

import (
	"github.com/chewxy/math32"

	"github.com/gogpu/kernelview/backend/software"
)

// Lattice constants shared with lbm_init.wgsl and lbm_step.wgsl.
const (
	inflowSpeed = 0.1
	viscosity   = 0.02
	pi          = 3.14159265
)

// D2Q9 velocity set: rest, the four axes, then the four diagonals.
var (
	d2q9W   = [9]float32{4.0 / 9, 1.0 / 9, 1.0 / 9, 1.0 / 9, 1.0 / 9, 1.0 / 36, 1.0 / 36, 1.0 / 36, 1.0 / 36}
	d2q9EX  = [9]int{0, 1, 0, -1, 0, 1, -1, -1, 1}
	d2q9EY  = [9]int{0, 0, 1, 0, -1, 1, 1, -1, -1}
	d2q9Opp = [9]int{0, 3, 4, 1, 2, 7, 8, 5, 6}
)

// Binding slots of the lbm variant.
const (
	slotScreen     = 0
	slotFin        = 1
	slotFout       = 2
	slotVel        = 3
	slotInitialVel = 4
	slotObstacle   = 5
)

func equilibrium(rho, ux, uy float32) [9]float32 {
	var f [9]float32
	usq := 1.5 * (ux*ux + uy*uy)
	for i := range f {
		eu := 3 * (float32(d2q9EX[i])*ux + float32(d2q9EY[i])*uy)
		f[i] = rho * d2q9W[i] * (1 + eu + 0.5*eu*eu - usq)
	}
	return f
}

func clamp01(v float32) float32 {
	return math32.Min(math32.Max(v, 0), 1)
}

// speedColor maps |u| in [0, 2*inflowSpeed] onto a blue-green-red ramp.
func speedColor(ux, uy float32) [4]float32 {
	s := clamp01(math32.Sqrt(ux*ux+uy*uy) / (2 * inflowSpeed))
	return [4]float32{
		clamp01(1.5 - math32.Abs(4*s-3)),
		clamp01(1.5 - math32.Abs(4*s-2)),
		clamp01(1.5 - math32.Abs(4*s-1)),
		1,
	}
}

var black = [4]float32{0, 0, 0, 1}

func storePopulations(t *software.Texture, x, y int, f *[9]float32) {
	t.Store(x, y, 0, [4]float32{f[0], f[1], f[2], f[3]})
	t.Store(x, y, 1, [4]float32{f[4], f[5], f[6], f[7]})
	t.Store(x, y, 2, [4]float32{f[8], 0, 0, 0})
}

func population(t *software.Texture, x, y, i int) float32 {
	return t.Load(x, y, i/4)[i%4]
}

func solid(obstacle *software.Texture, x, y int) bool {
	return obstacle.Load(x, y, 0)[0] != 0
}

// lbmInit mirrors lbm_init.wgsl.
func lbmInit(inv *software.Invocation) {
	vel := inv.Image(slotVel)
	x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
	if x >= vel.Width() || y >= vel.Height() {
		return
	}

	ux := inflowSpeed * (1 + 0.0001*math32.Sin(2*pi*float32(y)/float32(vel.Height())))
	uy := float32(0)
	color := speedColor(ux, uy)
	if solid(inv.Image(slotObstacle), x, y) {
		ux = 0
		color = black
	}

	f := equilibrium(1, ux, uy)
	storePopulations(inv.Image(slotFin), x, y, &f)
	vel.Store(x, y, 0, [4]float32{ux, uy})
	inv.Image(slotInitialVel).Store(x, y, 0, [4]float32{ux, uy})
	inv.Image(slotScreen).Store(x, y, 0, color)
}

// lbmStep mirrors lbm_step.wgsl.
func lbmStep(inv *software.Invocation) {
	vel := inv.Image(slotVel)
	w, h := vel.Width(), vel.Height()
	x, y := int(inv.GlobalID[0]), int(inv.GlobalID[1])
	if x >= w || y >= h {
		return
	}
	fin, fout := inv.Image(slotFin), inv.Image(slotFout)
	obstacle := inv.Image(slotObstacle)
	screen := inv.Image(slotScreen)

	if solid(obstacle, x, y) {
		f := equilibrium(1, 0, 0)
		storePopulations(fout, x, y, &f)
		vel.Store(x, y, 0, [4]float32{})
		screen.Store(x, y, 0, black)
		return
	}

	var f [9]float32
	for i := range f {
		qx := x - d2q9EX[i]
		qy := (y - d2q9EY[i] + h) % h
		switch {
		case qx < 0 || qx >= w:
			edge := min(max(qx, 0), w-1)
			u := inv.Image(slotInitialVel).Load(edge, qy, 0)
			f[i] = equilibrium(1, u[0], u[1])[i]
		case solid(obstacle, qx, qy):
			f[i] = population(fin, x, y, d2q9Opp[i])
		default:
			f[i] = population(fin, qx, qy, i)
		}
	}

	var rho, mx, my float32
	for i, v := range f {
		rho += v
		mx += v * float32(d2q9EX[i])
		my += v * float32(d2q9EY[i])
	}
	ux, uy := mx/rho, my/rho

	omega := float32(1 / (3*viscosity + 0.5))
	eq := equilibrium(rho, ux, uy)
	for i := range f {
		f[i] += omega * (eq[i] - f[i])
	}

	storePopulations(fout, x, y, &f)
	vel.Store(x, y, 0, [4]float32{ux, uy})
	screen.Store(x, y, 0, speedColor(ux, uy))
}

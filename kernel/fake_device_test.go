package kernel

import (
	"errors"

	"github.com/gogpu/kernelview/gpucore"
)

// fakeDevice records program and module lifetimes.
type fakeDevice struct {
	next     uint64
	modules  map[gpucore.ShaderModuleID]string
	programs map[gpucore.ProgramID]string

	failModule  bool
	failProgram bool
	lastCompute *gpucore.ComputeProgramDesc
	lastRender  *gpucore.RenderProgramDesc
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		modules:  make(map[gpucore.ShaderModuleID]string),
		programs: make(map[gpucore.ProgramID]string),
	}
}

func (d *fakeDevice) id() uint64 { d.next++; return d.next }

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) CreateImage(*gpucore.ImageDesc) (gpucore.ImageID, error) {
	return gpucore.ImageID(d.id()), nil
}
func (d *fakeDevice) DestroyImage(gpucore.ImageID)                      {}
func (d *fakeDevice) WriteImage(gpucore.ImageID, int, []byte) error     { return nil }
func (d *fakeDevice) ReadImage(gpucore.ImageID, int) ([]byte, error)    { return nil, nil }
func (d *fakeDevice) CreateVertexBuffer(string, []float32) (gpucore.BufferID, error) {
	return gpucore.BufferID(d.id()), nil
}
func (d *fakeDevice) DestroyBuffer(gpucore.BufferID) {}
func (d *fakeDevice) Dispatch(gpucore.ProgramID, []gpucore.ImageBinding, gpucore.Grid) error {
	return nil
}
func (d *fakeDevice) Barrier() error                                { return nil }
func (d *fakeDevice) Draw(gpucore.Target, *gpucore.DrawCall) error { return nil }
func (d *fakeDevice) Flush() error                                  { return nil }
func (d *fakeDevice) Destroy()                                      {}

func (d *fakeDevice) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	if d.failModule {
		return 0, errors.New("module rejected by driver")
	}
	id := gpucore.ShaderModuleID(d.id())
	d.modules[id] = desc.Label
	return id, nil
}

func (d *fakeDevice) DestroyShaderModule(id gpucore.ShaderModuleID) { delete(d.modules, id) }

func (d *fakeDevice) CreateComputeProgram(desc *gpucore.ComputeProgramDesc) (gpucore.ProgramID, error) {
	if d.failProgram {
		return 0, errors.New("pipeline creation failed")
	}
	d.lastCompute = desc
	id := gpucore.ProgramID(d.id())
	d.programs[id] = desc.Label
	return id, nil
}

func (d *fakeDevice) CreateRenderProgram(desc *gpucore.RenderProgramDesc) (gpucore.ProgramID, error) {
	if d.failProgram {
		return 0, errors.New("pipeline creation failed")
	}
	d.lastRender = desc
	id := gpucore.ProgramID(d.id())
	d.programs[id] = desc.Label
	return id, nil
}

func (d *fakeDevice) DestroyProgram(id gpucore.ProgramID) { delete(d.programs, id) }

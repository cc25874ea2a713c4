package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/kernel"
)

type stubBackend struct {
	name    string
	initErr error
	inited  bool
	closed  int
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Init() error {
	if b.initErr != nil {
		return b.initErr
	}
	b.inited = true
	return nil
}

func (b *stubBackend) Close() { b.closed++ }

func (b *stubBackend) Device() gpucore.Device { return nil }

func (b *stubBackend) Compiler() kernel.Compiler { return kernel.SourceCompiler{} }

func (b *stubBackend) NewTarget(int, int) (gpucore.ReadableTarget, error) {
	return nil, ErrNotInitialized
}

// withRegistry swaps in an empty registry for the duration of a test.
func withRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]BackendFactory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	withRegistry(t)

	Register("stub", func() Backend { return &stubBackend{name: "stub"} })
	assert.True(t, IsRegistered("stub"))
	assert.Equal(t, "stub", Get("stub").Name())

	Unregister("stub")
	assert.False(t, IsRegistered("stub"))
	assert.Nil(t, Get("stub"))
}

func TestRegistry_AvailableOrder(t *testing.T) {
	withRegistry(t)

	Register("zeta", func() Backend { return &stubBackend{name: "zeta"} })
	Register(BackendSoftware, func() Backend { return &stubBackend{name: BackendSoftware} })
	Register(BackendNative, func() Backend { return &stubBackend{name: BackendNative} })
	Register("alpha", func() Backend { return &stubBackend{name: "alpha"} })

	assert.Equal(t, []string{BackendNative, BackendSoftware, "alpha", "zeta"}, Available())
	assert.Equal(t, BackendNative, Default().Name())
}

func TestInitDefault_FallsBack(t *testing.T) {
	withRegistry(t)

	native := &stubBackend{name: BackendNative, initErr: errors.New("no adapter")}
	soft := &stubBackend{name: BackendSoftware}
	Register(BackendNative, func() Backend { return native })
	Register(BackendSoftware, func() Backend { return soft })

	b, err := InitDefault()
	require.NoError(t, err)
	assert.Same(t, soft, b)
	assert.True(t, soft.inited)
	assert.Equal(t, 1, native.closed, "failed backend should be closed")
}

func TestInitDefault_NoneAvailable(t *testing.T) {
	withRegistry(t)

	_, err := InitDefault()
	assert.ErrorIs(t, err, ErrBackendNotAvailable)

	Register(BackendNative, func() Backend {
		return &stubBackend{name: BackendNative, initErr: errors.New("no adapter")}
	})
	_, err = InitDefault()
	assert.ErrorIs(t, err, ErrBackendNotAvailable)
	assert.ErrorContains(t, err, "no adapter")
}

func TestOpen_Unknown(t *testing.T) {
	withRegistry(t)

	_, err := Open("missing")
	assert.ErrorIs(t, err, ErrBackendNotAvailable)
}

func TestMustDefault_Panics(t *testing.T) {
	withRegistry(t)
	assert.Panics(t, func() { MustDefault() })
}

//go:build !nogpu

package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gogpu"
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/kernelview"
	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/backend/native"
	"github.com/gogpu/kernelview/frame"
	"github.com/gogpu/kernelview/gpucore"
)

// windowSurface queues window events for the frame loop and draws into the
// swapchain view of the current frame. gogpu presents after OnDraw returns.
type windowSurface struct {
	mu     sync.Mutex
	events []frame.Event
	target *native.Surface
}

func (s *windowSurface) push(ev frame.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *windowSurface) PollEvents() []frame.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events
	s.events = nil
	return ev
}

func (s *windowSurface) update(view any, width, height int) error {
	if s.target == nil {
		t, err := native.NewSurface(view, width, height, 0)
		if err != nil {
			return err
		}
		s.target = t
		return nil
	}
	return s.target.Update(view, width, height)
}

func (s *windowSurface) Target() gpucore.Target { return s.target }

func (s *windowSurface) Present() error { return nil }

func runWindow(cfg *config, opts []kernelview.Option) error {
	if cfg.backend != "" && cfg.backend != backend.BackendNative {
		return fmt.Errorf("the window draws on the GPU; -backend %s needs -headless", cfg.backend)
	}
	// Resolve the description up front for the window title and size.
	sizing, err := kernelview.New(opts...)
	if err != nil {
		return err
	}
	desc := sizing.Description()

	gapp := gogpu.NewApp(gogpu.DefaultConfig().
		WithTitle(desc.Title).
		WithSize(desc.Width, desc.Height).
		WithContinuousRender(true))

	surface := &windowSurface{}
	var (
		app    *kernelview.App
		loop   *frame.Loop
		runErr error
	)

	gapp.EventSource().OnKeyPress(func(key gpucontext.Key, _ gpucontext.Modifiers) {
		surface.push(frame.KeyPress(key))
	})

	gapp.OnDraw(func(dc *gogpu.Context) {
		if runErr != nil || (loop != nil && loop.Status() == frame.Stopped) {
			gapp.Quit()
			return
		}
		if loop == nil {
			provider := gapp.GPUContextProvider()
			if provider == nil {
				return
			}
			app, runErr = kernelview.New(append(opts,
				kernelview.WithDescription(desc),
				kernelview.WithBackendInstance(native.NewBackend(native.WithProvider(provider))),
			)...)
			if runErr == nil {
				runErr = app.Init()
			}
			if runErr != nil {
				gapp.Quit()
				return
			}
			loop = frame.NewLoop(surface, app)
			kernelview.Logger().Info("window ready", "backend", dc.Backend(), "title", desc.Title)
		}

		sw, sh := dc.SurfaceSize()
		if err := surface.update(dc.SurfaceView(), int(sw), int(sh)); err != nil {
			runErr = errors.Join(err, loop.Stop())
			gapp.Quit()
			return
		}
		if _, err := loop.Iterate(); err != nil {
			runErr = err
		}
		if runErr != nil || loop.Status() == frame.Stopped {
			gapp.Quit()
		}
	})

	gapp.OnClose(func() {
		if loop == nil {
			return
		}
		if err := loop.Stop(); err != nil && runErr == nil {
			runErr = err
		}
	})

	if err := gapp.Run(); err != nil {
		return errors.Join(err, runErr)
	}
	return runErr
}

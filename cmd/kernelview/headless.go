package main

import (
	"errors"
	"image"
	"log/slog"

	"github.com/gogpu/kernelview"
	"github.com/gogpu/kernelview/frame"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/internal/snapshot"
)

// headlessSurface scripts a fixed number of frames on an offscreen target:
// a step request every stepsEvery frames, then a close after the last one.
type headlessSurface struct {
	target     gpucore.ReadableTarget
	frames     int
	stepsEvery int
	capture    bool

	next int
	last *image.RGBA
}

func (s *headlessSurface) PollEvents() []frame.Event {
	f := s.next
	s.next++
	switch {
	case f >= s.frames:
		return []frame.Event{frame.Close()}
	case s.stepsEvery > 0 && f > 0 && f%s.stepsEvery == 0:
		return []frame.Event{frame.KeyPress(frame.StepKey)}
	}
	return nil
}

func (s *headlessSurface) Target() gpucore.Target { return s.target }

// Present keeps the pixels of the final frame when a snapshot is wanted.
func (s *headlessSurface) Present() error {
	if !s.capture || s.next != s.frames {
		return nil
	}
	img, err := s.target.ReadPixels()
	if err != nil {
		return err
	}
	s.last = img
	return nil
}

func runHeadless(cfg *config, opts []kernelview.Option) error {
	app, err := kernelview.New(opts...)
	if err != nil {
		return err
	}
	if err := app.Init(); err != nil {
		return err
	}
	target, err := app.NewTarget()
	if err != nil {
		return errors.Join(err, app.Teardown())
	}

	surface := &headlessSurface{
		target:     target,
		frames:     cfg.headless,
		stepsEvery: cfg.stepsEvery,
		capture:    cfg.snapshot != "",
	}
	loop := frame.NewLoop(surface, app)
	if err := loop.Run(); err != nil {
		return err
	}
	kernelview.Logger().Info("headless run complete",
		"variant", app.Description().Name, "frames", loop.Frames(), "steps", loop.Steps())

	if surface.last == nil {
		return nil
	}
	if err := snapshot.Save(cfg.snapshot, surface.last, cfg.scale); err != nil {
		return err
	}
	kernelview.Logger().Info("snapshot written", slog.String("path", cfg.snapshot), slog.Float64("scale", cfg.scale))
	return nil
}

// Command kernelview runs a GPU compute pipeline and shows its output.
//
// By default it opens a window and draws one frame per refresh. Enter runs
// one step of the simulation, Tab does nothing visible, Escape quits.
//
//	kernelview -variant lbm
//	kernelview -variant raytrace -backend software -headless 10 -steps-every 2 -snapshot out.png
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"

	"github.com/gogpu/kernelview"
	"github.com/gogpu/kernelview/gpucore"
	"github.com/gogpu/kernelview/pipeline"
)

type config struct {
	variant    string
	pipeline   string
	backend    string
	width      int
	height     int
	headless   int
	stepsEvery int
	snapshot   string
	scale      float64
	verbose    bool
}

func parseFlags(args []string, output io.Writer) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("kernelview", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.variant, "variant", kernelview.DefaultVariant, "embedded pipeline to run (lbm, raytrace)")
	fs.StringVar(&cfg.pipeline, "pipeline", "", "pipeline description TOML file, overrides -variant")
	fs.StringVar(&cfg.backend, "backend", "", "device backend (native, software); empty picks the best available")
	fs.IntVar(&cfg.width, "width", 0, "pipeline width, 0 keeps the description size")
	fs.IntVar(&cfg.height, "height", 0, "pipeline height, 0 keeps the description size")
	fs.IntVar(&cfg.headless, "headless", 0, "run N frames offscreen instead of opening a window")
	fs.IntVar(&cfg.stepsEvery, "steps-every", 0, "in headless mode, trigger a step every K frames")
	fs.StringVar(&cfg.snapshot, "snapshot", "", "in headless mode, write the last frame to this PNG file")
	fs.Float64Var(&cfg.scale, "scale", 1, "snapshot scale factor")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case cfg.width < 0 || cfg.height < 0:
		return nil, fmt.Errorf("invalid size %dx%d", cfg.width, cfg.height)
	case cfg.headless < 0:
		return nil, fmt.Errorf("invalid -headless %d", cfg.headless)
	case cfg.stepsEvery < 0:
		return nil, fmt.Errorf("invalid -steps-every %d", cfg.stepsEvery)
	case cfg.scale <= 0:
		return nil, fmt.Errorf("invalid -scale %v", cfg.scale)
	case cfg.snapshot != "" && cfg.headless == 0:
		return nil, errors.New("-snapshot needs -headless")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	kernelview.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		// Everything is torn down by the time run returns.
		fatal(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	opts, err := appOptions(cfg)
	if err != nil {
		return err
	}
	if cfg.headless > 0 {
		return runHeadless(cfg, opts)
	}
	return runWindow(cfg, opts)
}

func appOptions(cfg *config) ([]kernelview.Option, error) {
	opts := []kernelview.Option{kernelview.WithSize(cfg.width, cfg.height)}
	if cfg.pipeline != "" {
		d, err := pipeline.LoadDescription(cfg.pipeline)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kernelview.WithDescription(d))
	} else {
		opts = append(opts, kernelview.WithVariant(cfg.variant))
	}
	if cfg.backend != "" {
		opts = append(opts, kernelview.WithBackend(cfg.backend))
	}
	return opts, nil
}

// fatal prints a red header naming the error class followed by the error
// text, which carries compiler and linker logs verbatim.
func fatal(w io.Writer, err error) {
	color.New(color.FgHiRed, color.Bold).Fprintf(w, "kernelview: %s\n", errorClass(err))
	fmt.Fprintln(w, err)
}

func errorClass(err error) string {
	var (
		alloc *gpucore.AllocationError
		slot  *gpucore.SlotConflictError
		comp  *gpucore.CompileError
		link  *gpucore.LinkError
		rt    *gpucore.RuntimeDispatchError
	)
	switch {
	case errors.As(err, &comp):
		return "compile error"
	case errors.As(err, &link):
		return "link error"
	case errors.As(err, &alloc):
		return "allocation error"
	case errors.As(err, &slot):
		return "slot conflict"
	case errors.As(err, &rt):
		return "runtime error"
	default:
		return "error"
	}
}

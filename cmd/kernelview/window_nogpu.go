//go:build nogpu

package main

import (
	"errors"

	"github.com/gogpu/kernelview"
)

func runWindow(*config, []kernelview.Option) error {
	return errors.New("built without GPU support; use -headless with -backend software")
}

//go:build !nogpu

package kernelview

import (
	"log/slog"

	"github.com/gogpu/kernelview/backend/native"
)

func setDeviceLogger(l *slog.Logger) { native.SetLogger(l) }

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

type overrider interface {
	SetGaze(p *protocol.Point)
	ToggleBlink() bool
}

func readOverrides(ctx context.Context, r io.Reader, o overrider, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := applyOverride(o, sc.Text(), logger); err != nil {
			logger.Warn("ignoring override", "err", err)
		}
	}
}

func applyOverride(o overrider, line string, logger *slog.Logger) error {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 0:
		return nil
	case len(fields) == 1 && strings.EqualFold(fields[0], "b"):
		logger.Info("blink override", "blink", o.ToggleBlink())
		return nil
	case len(fields) == 1 && strings.EqualFold(fields[0], "auto"):
		o.SetGaze(nil)
		logger.Info("gaze override cleared")
		return nil
	case len(fields) == 2:
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("parse x: %w", err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("parse y: %w", err)
		}
		o.SetGaze(&protocol.Point{X: x, Y: y})
		logger.Info("gaze override", "x", x, "y", y)
		return nil
	default:
		return fmt.Errorf("unrecognized override %q", line)
	}
}

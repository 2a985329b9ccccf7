package invert

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
)

var errRebuildWhileIterating = errors.New("inversion is stale and still being iterated")

// External builds the inversion in an Arena. Invalidating while the arena is
// being iterated marks it stale; it is released when the last iteration
// returns.
type External struct {
	tempDir string
	arena   *Arena
	busy    int
	stale   bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExternal(tempDir string, mt *metrics.Metrics) *External {
	return &External{
		tempDir: tempDir,
		metrics: mt,
		logger:  slog.Default().With("component", "inverter", "strategy", config.InverterExternal),
	}
}

func (e *External) Name() string { return config.InverterExternal }

func (e *External) Prepare(src Source) error {
	if e.arena != nil && !e.stale {
		return nil
	}
	if e.busy > 0 {
		return errRebuildWhileIterating
	}
	if err := e.release(); err != nil {
		return err
	}

	start := time.Now()
	arena, err := NewArena(e.tempDir)
	if err != nil {
		return fmt.Errorf("building external inversion: %w", err)
	}
	if err := spill(src, arena.Append); err != nil {
		arena.Close()
		return fmt.Errorf("spilling records: %w", err)
	}
	if err := arena.Seal(); err != nil {
		arena.Close()
		return fmt.Errorf("sorting records: %w", err)
	}
	e.arena = arena
	e.stale = false

	elapsed := time.Since(start)
	e.metrics.Inversion(e.Name(), arena.Len(), elapsed)
	e.logger.Debug("inversion built", "records", arena.Len(), "path", arena.Path(), "elapsed", elapsed)
	return nil
}

// Records returns the number of records in the built inversion.
func (e *External) Records() int64 {
	if e.arena == nil {
		return 0
	}
	return e.arena.Len()
}

func (e *External) Invalidate() error {
	if e.busy > 0 {
		e.stale = true
		return nil
	}
	return e.release()
}

func (e *External) IterByDocID(src Source, fn func(Group) error) error {
	if err := e.Prepare(src); err != nil {
		return err
	}
	arena := e.arena
	e.busy++
	defer func() {
		e.busy--
		if e.busy == 0 && e.stale {
			if err := e.release(); err != nil {
				e.logger.Error("releasing stale inversion", "error", err)
			}
		}
	}()
	return arena.Groups(fn)
}

func (e *External) Close() error {
	return e.Invalidate()
}

func (e *External) release() error {
	e.stale = false
	if e.arena == nil {
		return nil
	}
	arena := e.arena
	e.arena = nil
	return arena.Close()
}

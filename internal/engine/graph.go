package engine

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Graph owns the runners of one session. The assembler builds it, the
// session runs it; the graph is immutable once running.
type Graph struct {
	bus     *Bus
	runners []*Runner
	logger  *slog.Logger
}

// NewGraph creates an empty graph around an observer bus. logger may be nil.
func NewGraph(bus *Bus, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		bus:    bus,
		logger: logger.With("component", "graph"),
	}
}

// Add appends a runner. Must happen before Run.
func (g *Graph) Add(r *Runner) {
	g.runners = append(g.runners, r)
}

// Bus returns the observer bus shared by all runners.
func (g *Graph) Bus() *Bus { return g.bus }

// Run starts every runner and blocks until all exit. The first fatal runner
// error cancels the rest through the shared context. The bus is closed after
// the last runner exits, so observers see every notification.
func (g *Graph) Run(ctx context.Context) error {
	grp, runCtx := errgroup.WithContext(ctx)
	for _, r := range g.runners {
		grp.Go(func() error {
			return r.Run(runCtx)
		})
	}

	err := grp.Wait()
	g.bus.Close()
	if err != nil {
		g.logger.Error("session graph terminated", "error", err)
		return err
	}
	g.logger.Debug("session graph drained")
	return nil
}

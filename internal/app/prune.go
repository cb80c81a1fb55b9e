package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Prune removes archived cycles older than the given age.
func (a *App) Prune(ctx context.Context, opts PruneOptions, out io.Writer) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cutoff := time.Now().Add(-opts.OlderThan)
	total, err := store.CountCycles(ctx)
	if err != nil {
		return err
	}

	if opts.DryRun {
		a.Logger.Warn().Time("cutoff", cutoff).Msg("prune dry-run; nothing deleted")
		_, err := fmt.Fprintf(out, "%d cycles archived; would delete cycles before %s\n", total, cutoff.UTC().Format(time.RFC3339))
		return err
	}

	removed, err := store.DeleteCyclesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("removed", removed).Int64("total", total).Time("cutoff", cutoff).Msg("prune finished")
	_, err = fmt.Fprintf(out, "deleted %d of %d cycles\n", removed, total)
	return err
}

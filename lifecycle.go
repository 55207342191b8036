package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/fetch"

	"golang.org/x/sync/errgroup"
)

// Install opens the worker's generation and stores the manifest in it.
// Manifest URLs that fail are logged and skipped. Install only fails if the
// generation cannot be opened or ctx is done, in which case the worker is redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info().Msg("Installing")

	gen, err := w.strategies.Open()
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.name, err)
	}

	var cached atomic.Int64
	g := errgroup.Group{}
	g.SetLimit(w.config.InstallConcurrency)
	for _, rawURL := range w.config.Manifest {
		rawURL := rawURL
		g.Go(func() error {
			if err := w.precache(ctx, gen, rawURL); err != nil {
				w.log.Warn().Err(err).Str("url", rawURL).Msg("Failed to cache")
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.name, err)
	}
	w.log.Info().Msgf("Cached %d/%d resources", cached.Load(), len(w.config.Manifest))
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context, gen cache.Generation, rawURL string) error {
	u, err := w.keyer.ResolveString(rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	res, err := fetch.WithTimeout(ctx, w.config.Fetcher, w.config.Clock, req, w.config.Timeouts.CacheFirst)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if !w.strategies.Put(gen, req, res) {
		return fmt.Errorf("response not stored (status %d)", res.StatusCode)
	}
	return nil
}

// Activate deletes the generations of previous versions.
// Generations that do not carry the configured prefix belong to someone else
// and are left alone. The worker ends up activated even if cleanup fails.
func (w *Worker) Activate() error {
	w.setState(StateActivating)
	w.log.Info().Msg("Activating")
	defer w.setState(StateActivated)

	names, err := w.config.Storage.Keys()
	if err != nil {
		return fmt.Errorf("activate %s: %w", w.name, err)
	}
	var errs []error
	deleted := 0
	for _, name := range cache.GenerationsWithPrefix(names, w.config.CachePrefix, w.name) {
		if _, err := w.config.Storage.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.log.Debug().Str("generation", name).Msg("Deleted old cache")
		deleted++
	}
	w.log.Info().Int("deleted", deleted).Msg("Activated")
	return errors.Join(errs...)
}

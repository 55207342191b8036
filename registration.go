package offlinecache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/fetch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Registration controls which worker intercepts requests.
// A new deployment is installed next to the active worker, which keeps
// serving until the new one activates.
type Registration struct {
	network fetch.Fetcher
	log     zerolog.Logger

	active atomic.Pointer[Worker]
	// guards waiting and installing, and serializes transitions
	mutex      sync.Mutex
	waiting    *Worker
	installing map[*Worker]struct{}
}

// NewRegistration creates a registration without workers.
// Until a worker is active, requests are sent to the network as is.
func NewRegistration(network fetch.Fetcher, logger *zerolog.Logger) *Registration {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Registration{
		network:    network,
		log:        log,
		installing: make(map[*Worker]struct{}),
	}
}

// Register installs a worker for the config.
// Once installed it is activated, unless the config asks to wait for
// SKIP_WAITING and another worker is active.
func (r *Registration) Register(ctx context.Context, config Config) (*Worker, error) {
	w := NewWorker(config)
	r.mutex.Lock()
	r.installing[w] = struct{}{}
	r.mutex.Unlock()

	err := w.Install(ctx)
	r.mutex.Lock()
	delete(r.installing, w)
	if err != nil {
		r.mutex.Unlock()
		w.retire()
		r.log.Error().Err(err).Msg("Installation failed")
		return nil, err
	}
	if r.waiting != nil {
		r.waiting.retire()
	}
	r.waiting = w
	r.mutex.Unlock()

	if w.config.WaitForSkip && r.Active() != nil {
		w.log.Info().Msg("Installed, waiting")
		return w, nil
	}
	return w, r.SkipWaiting()
}

// SkipWaiting activates the waiting worker, if any.
// The worker takes over new requests right away. The previous one becomes
// redundant once its requests in flight and background updates are done,
// and only then are old generations deleted.
func (r *Registration) SkipWaiting() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	w := r.waiting
	if w == nil {
		return nil
	}
	r.waiting = nil

	if old := r.active.Swap(w); old != nil {
		old.retire()
	}
	if err := w.Activate(); err != nil {
		w.log.Error().Err(err).Msg("Activation cleanup failed")
		return err
	}
	return nil
}

// Active returns the worker intercepting requests, or nil.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Waiting returns the installed worker waiting for activation, or nil.
func (r *Registration) Waiting() *Worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.waiting
}

// ServeHTTP implements the http.Handler interface.
// A request that reaches a worker just retired goes to its successor.
func (r *Registration) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	for w := r.Active(); w != nil; w = r.Active() {
		if w.serve(rw, req) {
			return
		}
	}
	log := hlog.FromRequest(req)
	if log.GetLevel() == zerolog.Disabled {
		log = &r.log
	}
	passthrough(rw, req, r.network, *log)
}

// HandleMessage handles a control message and returns the reply, if any.
// Unknown message types are logged and ignored.
func (r *Registration) HandleMessage(msg Message) *Reply {
	if msg.Type == MessageSkipWaiting {
		if err := r.SkipWaiting(); err != nil {
			r.log.Warn().Err(err).Msg("Skip waiting")
		}
		return nil
	}
	w := r.Active()
	if w == nil {
		r.log.Warn().Str("type", string(msg.Type)).Msg("No active worker for message")
		return nil
	}
	reply, ok := w.HandleMessage(msg)
	if !ok {
		r.log.Info().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
	return reply
}

// Close stops the background updates of all workers.
func (r *Registration) Close() {
	r.mutex.Lock()
	workers := make([]*Worker, 0, len(r.installing)+2)
	for w := range r.installing {
		workers = append(workers, w)
	}
	if r.waiting != nil {
		workers = append(workers, r.waiting)
	}
	r.mutex.Unlock()
	if w := r.Active(); w != nil {
		workers = append(workers, w)
	}
	for _, w := range workers {
		w.Close()
	}
}

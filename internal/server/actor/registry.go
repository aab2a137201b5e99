package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/storage"
)

// Registry starts one actor per namespace on first use.
type Registry struct {
	backend storage.Backend
	// template is copied for every actor; Namespace and Storage are set
	// per namespace.
	template Options
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	actors map[string]*Actor
}

func NewRegistry(backend storage.Backend, template Options) *Registry {
	logger := template.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend:  backend,
		template: template,
		logger:   logger.With("module", "registry"),
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[string]*Actor),
	}
}

// Get returns the running actor of namespace, starting it when needed. An
// actor whose initialization failed is replaced by a fresh one.
func (r *Registry) Get(ctx context.Context, namespace string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrStopped
	}
	if a, ok := r.actors[namespace]; ok {
		select {
		case <-a.Done():
		default:
			return a, nil
		}
	}

	ns, err := r.backend.Open(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", namespace, err)
	}

	opts := r.template
	opts.Namespace = namespace
	opts.Storage = ns
	a := New(opts)
	r.actors[namespace] = a

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = a.Run(r.ctx)
	}()
	r.logger.Debug(ctx, "actor started", "namespace", namespace)
	return a, nil
}

// Lookup returns the actor of namespace if one is running.
func (r *Registry) Lookup(namespace string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[namespace]
	return a, ok
}

// Close stops every actor, waits for them to flush and closes the backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	if err := r.backend.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		return err
	}
	return nil
}

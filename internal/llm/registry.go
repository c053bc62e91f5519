package llm

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
)

// Registry aggregates providers behind one model namespace. Model filters are
// globs restricting what is advertised; the default model is chosen by
// matching the configured glob against the reverse-lexicographically sorted
// model list, so newer date-suffixed releases win.
type Registry struct {
	providers   []Provider
	filters     []string
	defaultGlob string
	logger      *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(cfg config.LLMConfig, log *logger.Logger, providers ...Provider) *Registry {
	return &Registry{
		providers:   providers,
		filters:     cfg.ModelFilters,
		defaultGlob: cfg.DefaultModel,
		logger:      log,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// ListModels returns all advertised models across providers, restricted by
// the configured filters.
func (r *Registry) ListModels() []ModelInfo {
	var out []ModelInfo
	for _, p := range r.providers {
		for _, m := range p.ListModels() {
			if r.allowed(m.Name) {
				out = append(out, m)
			}
		}
	}
	return out
}

// DefaultModel returns the first model, in reverse lexicographic order,
// matching the configured default glob.
func (r *Registry) DefaultModel() (string, error) {
	models := r.ListModels()
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	glob := r.defaultGlob
	if glob == "" {
		glob = "*"
	}
	for _, name := range names {
		if ok, err := path.Match(glob, name); err == nil && ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("no model matches default glob %q", glob)
}

// Chat routes the request to the provider owning the model and tracks the
// stream's cancel function under its ref.
func (r *Registry) Chat(ctx context.Context, req Request, sink chan<- StreamEvent) (string, error) {
	if req.Model == "" {
		model, err := r.DefaultModel()
		if err != nil {
			return "", err
		}
		req.Model = model
	}

	provider, err := r.providerFor(req.Model)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	internal := make(chan StreamEvent, 32)
	ref, err := provider.Chat(streamCtx, req, internal)
	if err != nil {
		cancel()
		return "", err
	}

	r.mu.Lock()
	r.cancels[ref] = cancel
	r.mu.Unlock()

	// Forward events until the stream terminates, then release the ref.
	go func() {
		defer r.release(ref)
		for {
			select {
			case ev := <-internal:
				select {
				case sink <- ev:
				case <-streamCtx.Done():
					return
				}
				if ev.Type == EventStreamComplete || ev.Type == EventStreamError {
					return
				}
			case <-streamCtx.Done():
				return
			}
		}
	}()

	r.logger.Debug("llm stream started",
		zap.String("ref", ref),
		zap.String("model", req.Model),
		zap.String("provider", provider.Name()))
	return ref, nil
}

// Cancel aborts an in-flight stream. Events already queued for the ref may
// still be delivered; callers discard events for dropped refs.
func (r *Registry) Cancel(ref string) {
	r.mu.Lock()
	cancel, ok := r.cancels[ref]
	delete(r.cancels, ref)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Registry) release(ref string) {
	r.mu.Lock()
	cancel, ok := r.cancels[ref]
	delete(r.cancels, ref)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Registry) providerFor(model string) (Provider, error) {
	for _, p := range r.providers {
		for _, m := range p.ListModels() {
			if m.Name == model {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("no provider serves model %q", model)
}

// allowed applies the configured model filter globs; an empty filter set
// allows everything.
func (r *Registry) allowed(model string) bool {
	if len(r.filters) == 0 {
		return true
	}
	for _, glob := range r.filters {
		if ok, err := path.Match(glob, model); err == nil && ok {
			return true
		}
	}
	return false
}

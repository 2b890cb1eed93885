package asr

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Kind identifies a recognizer backend slot in the registry.
type Kind string

const (
	KindWake       Kind = "wake"
	KindTranscribe Kind = "transcribe"
)

// ModelConfig is the requested construction configuration for a backend.
type ModelConfig struct {
	Path        string
	Device      string // "auto", "cuda" or "cpu"
	ComputeType string // e.g. "int8_float16", "float16", "int8"
}

// Handle is a cached model instance tagged with the compute configuration
// that was actually used, which may differ from the request after fallback.
type Handle struct {
	Model       Model
	Device      string
	ComputeType string
}

// BuildFunc constructs a backend for a concrete compute configuration.
type BuildFunc func(cfg ModelConfig) (Model, error)

// ModelUnavailableError reports that a backend could not be constructed
// under any fallback.
type ModelUnavailableError struct {
	Kind Kind
	Err  error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("%s model unavailable: %v", e.Kind, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

type registryEntry struct {
	cfg   ModelConfig
	build BuildFunc

	once   sync.Once
	handle *Handle
	err    error
}

// Registry lazily constructs and caches exactly one model instance per kind
// for the lifetime of the process. Construction applies the device fallback
// policy: prefer the accelerated device, retry once on a CPU-compatible
// configuration, and fail hard if neither works. Constructed models share a
// weighted semaphore so concurrent inference cannot stampede the host.
type Registry struct {
	mu      sync.Mutex
	entries map[Kind]*registryEntry
	sem     *semaphore.Weighted
}

// NewRegistry creates an empty registry. maxConcurrent bounds in-flight
// inference calls across all kinds; values below 1 are treated as 1.
func NewRegistry(maxConcurrent int64) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		entries: make(map[Kind]*registryEntry),
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// Register binds a kind to its requested configuration and build function.
// Registering an already-constructed kind is a programming error and panics.
func (r *Registry) Register(kind Kind, cfg ModelConfig, build BuildFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[kind]; ok && e.handle != nil {
		panic(fmt.Sprintf("asr: re-registering constructed kind %q", kind))
	}
	r.entries[kind] = &registryEntry{cfg: cfg, build: build}
}

// Get returns the shared handle for kind, constructing it on first use.
// All concurrent first callers observe the same construction outcome.
func (r *Registry) Get(kind Kind) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[kind]
	r.mu.Unlock()
	if !ok {
		return nil, &ModelUnavailableError{Kind: kind, Err: fmt.Errorf("kind not registered")}
	}

	e.once.Do(func() {
		h, err := r.construct(kind, e.cfg, e.build)
		// Ready and Register read these fields under r.mu without going
		// through the once, so the store must be published under it too.
		r.mu.Lock()
		e.handle, e.err = h, err
		r.mu.Unlock()
	})

	r.mu.Lock()
	h, err := e.handle, e.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Ready reports whether kind has been constructed successfully. It never
// triggers construction.
func (r *Registry) Ready(kind Kind) bool {
	r.mu.Lock()
	e, ok := r.entries[kind]
	r.mu.Unlock()
	return ok && e.handle != nil
}

// Close shuts down every constructed backend that supports closing.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []string
	for kind, e := range r.entries {
		if e.handle == nil {
			continue
		}
		if lm, ok := e.handle.Model.(*limitedModel); ok {
			if c, ok := lm.inner.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", kind, err))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Registry) construct(kind Kind, cfg ModelConfig, build BuildFunc) (*Handle, error) {
	device := strings.ToLower(strings.TrimSpace(cfg.Device))
	if device == "" {
		device = "auto"
	}

	// Explicit CPU request: single attempt on the CPU-compatible configuration.
	if device == "cpu" {
		ct := cpuComputeType(cfg.ComputeType)
		m, err := build(ModelConfig{Path: cfg.Path, Device: "cpu", ComputeType: ct})
		if err != nil {
			return nil, &ModelUnavailableError{Kind: kind, Err: err}
		}
		return r.wrap(m, "cpu", ct), nil
	}

	// Prefer CUDA, fall back to CPU with a demoted compute type.
	m, cudaErr := build(ModelConfig{Path: cfg.Path, Device: "cuda", ComputeType: cfg.ComputeType})
	if cudaErr == nil {
		return r.wrap(m, "cuda", cfg.ComputeType), nil
	}

	ct := cpuComputeType(cfg.ComputeType)
	m, cpuErr := build(ModelConfig{Path: cfg.Path, Device: "cpu", ComputeType: ct})
	if cpuErr != nil {
		return nil, &ModelUnavailableError{
			Kind: kind,
			Err:  fmt.Errorf("cuda: %v; cpu fallback: %w", cudaErr, cpuErr),
		}
	}
	return r.wrap(m, "cpu", ct), nil
}

func (r *Registry) wrap(m Model, device, computeType string) *Handle {
	return &Handle{
		Model:       &limitedModel{inner: m, sem: r.sem},
		Device:      device,
		ComputeType: computeType,
	}
}

// cpuComputeType demotes GPU-tuned precision modes to a CPU-friendly one.
func cpuComputeType(ct string) string {
	if strings.Contains(strings.ToLower(ct), "float16") {
		return "int8"
	}
	return ct
}

// limitedModel serializes inference through the registry-wide semaphore.
type limitedModel struct {
	inner Model
	sem   *semaphore.Weighted
}

func (m *limitedModel) Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer m.sem.Release(1)
	return m.inner.Transcribe(ctx, samples, opts)
}

package fetch

import (
	"context"
	"strings"
	"sync"

	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/types"
)

// Mux routes a source to a fetcher by URL scheme. Sources without a scheme
// go to the fallback.
type Mux struct {
	mu       sync.RWMutex
	schemes  map[string]types.Fetcher
	fallback types.Fetcher
}

var _ types.Fetcher = (*Mux)(nil)

// NewMux returns an empty mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]types.Fetcher)}
}

// Handle registers f for scheme ("http", "s3", ...).
func (m *Mux) Handle(scheme string, f types.Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[strings.ToLower(scheme)] = f
}

// HandleDefault registers the fetcher for sources without a scheme.
func (m *Mux) HandleDefault(f types.Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = f
}

// Fetch dispatches source.
func (m *Mux) Fetch(ctx context.Context, source string) ([]byte, error) {
	scheme := schemeOf(source)

	m.mu.RLock()
	f, ok := m.schemes[scheme]
	if scheme == "" {
		f, ok = m.fallback, m.fallback != nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "no fetcher for source scheme").
			WithComponent("fetch").WithDetail("source", source).WithDetail("scheme", scheme)
	}
	return f.Fetch(ctx, source)
}

func schemeOf(source string) string {
	i := strings.Index(source, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(source[:i])
}

// Package discovery records URLs found on monitored endpoints. Records are
// keyed by (endpoint, canonical URL) so repeated discovery runs are no-ops.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/idna"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// ErrInvalidURL is returned for URLs that cannot be canonicalized.
var ErrInvalidURL = errors.New("discovery: invalid url")

// Repository stores discovery records idempotently.
type Repository interface {
	InsertDiscovery(ctx context.Context, d *model.DiscoveryRecord) (bool, error)
	ListDiscoveries(ctx context.Context, endpointID string) ([]*model.DiscoveryRecord, error)
}

// Registry records discovered URLs.
type Registry struct {
	repo   Repository
	logger *slog.Logger
	clock  func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		logger: slog.Default().With("component", "discovery"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Record stores rawURL for endpointID unless its canonical form is already
// known, reporting whether a new record was created.
func (r *Registry) Record(ctx context.Context, endpointID, rawURL string) (*model.DiscoveryRecord, bool, error) {
	if endpointID == "" {
		return nil, false, fmt.Errorf("discovery: endpoint id required")
	}
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return nil, false, err
	}
	rec := &model.DiscoveryRecord{
		ID:           uuid.New().String(),
		EndpointID:   endpointID,
		URL:          canonical,
		DiscoveredAt: r.clock().UTC(),
	}
	isNew, err := r.repo.InsertDiscovery(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		r.logger.InfoContext(ctx, "url discovered", "endpoint_id", endpointID, "url", canonical)
	}
	return rec, isNew, nil
}

// List returns the records of one endpoint, or all when endpointID is empty.
func (r *Registry) List(ctx context.Context, endpointID string) ([]*model.DiscoveryRecord, error) {
	return r.repo.ListDiscoveries(ctx, endpointID)
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Canonicalize normalizes an absolute http(s) URL: lower-case scheme and
// IDNA host, no default port, no fragment, dot segments resolved, query
// parameters sorted and utm_* tracking parameters dropped.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if host, err = idna.Lookup.ToASCII(host); err != nil {
		return "", fmt.Errorf("%w: host: %v", ErrInvalidURL, err)
	}
	if port := u.Port(); port != "" && port != defaultPorts[u.Scheme] {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	u.RawPath = ""
	if u.Path, err = url.PathUnescape(p); err != nil {
		return "", fmt.Errorf("%w: path: %v", ErrInvalidURL, err)
	}

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	for _, vs := range q {
		sort.Strings(vs)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

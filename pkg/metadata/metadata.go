package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stleox/seetrace/pkg/config"
)

var ErrNotFound = errors.New("metadata: value not available")

// Resolver answers the identity questions the writer has about the process.
// Each lookup may be slow; callers cache what they need.
type Resolver interface {
	ProjectID(ctx context.Context) (string, error)
	Hostname(ctx context.Context) (string, error)
	InstanceID(ctx context.Context) (string, error)
}

// Static serves identities fixed by configuration. Empty fields are ErrNotFound.
type Static struct {
	Project  string
	Host     string
	Instance string
}

func (s Static) ProjectID(context.Context) (string, error) { return orNotFound(s.Project) }

func (s Static) Hostname(context.Context) (string, error) { return orNotFound(s.Host) }

func (s Static) InstanceID(context.Context) (string, error) { return orNotFound(s.Instance) }

func orNotFound(v string) (string, error) {
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

const (
	pathProjectID  = "/computeMetadata/v1/project/project-id"
	pathHostname   = "/computeMetadata/v1/instance/hostname"
	pathInstanceID = "/computeMetadata/v1/instance/id"
)

// GCE queries the metadata server of the compute platform.
type GCE struct {
	client *resty.Client
}

func NewGCE(baseURL string, timeout time.Duration) *GCE {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Metadata-Flavor", "Google")
	return &GCE{client: client}
}

func (g *GCE) ProjectID(ctx context.Context) (string, error) {
	return g.get(ctx, pathProjectID)
}

func (g *GCE) Hostname(ctx context.Context) (string, error) {
	return g.get(ctx, pathHostname)
}

func (g *GCE) InstanceID(ctx context.Context) (string, error) {
	return g.get(ctx, pathInstanceID)
}

func (g *GCE) get(ctx context.Context, path string) (string, error) {
	resp, err := g.client.R().SetContext(ctx).Get(path)
	if err != nil {
		return "", fmt.Errorf("querying metadata %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return "", fmt.Errorf("metadata %s: status 503, the metadata server is temporarily unavailable, retry later", path)
	case resp.StatusCode() == http.StatusNotFound:
		return "", fmt.Errorf("metadata %s: %w", path, ErrNotFound)
	case resp.IsError():
		return "", fmt.Errorf("metadata %s: status %d", path, resp.StatusCode())
	}
	v := strings.TrimSpace(resp.String())
	if v == "" {
		return "", fmt.Errorf("metadata %s: %w", path, ErrNotFound)
	}
	return v, nil
}

// Chain asks each resolver in turn and returns the first answer.
type Chain []Resolver

func (c Chain) ProjectID(ctx context.Context) (string, error) {
	return c.first(ctx, Resolver.ProjectID)
}

func (c Chain) Hostname(ctx context.Context) (string, error) {
	return c.first(ctx, Resolver.Hostname)
}

func (c Chain) InstanceID(ctx context.Context) (string, error) {
	return c.first(ctx, Resolver.InstanceID)
}

func (c Chain) first(ctx context.Context, lookup func(Resolver, context.Context) (string, error)) (string, error) {
	errs := make([]error, 0, len(c))
	for _, r := range c {
		v, err := lookup(r, ctx)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrNotFound
	}
	return "", errors.Join(errs...)
}

// FromConfig builds the resolver chain: configured values first, then the
// metadata server when enabled.
func FromConfig(cfg *config.Config) Resolver {
	static := Static{
		Project:  cfg.ProjectID,
		Host:     cfg.Metadata.Hostname,
		Instance: cfg.Metadata.InstanceID,
	}
	if cfg.Metadata.Kind != config.MetadataGCE {
		return static
	}
	timeout := time.Duration(cfg.Publisher.TimeoutSeconds) * time.Second
	return Chain{static, NewGCE(cfg.Metadata.Endpoint, timeout)}
}

package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stleox/seetrace/pkg/config"

	r "github.com/stretchr/testify/require"
)

func TestMetadata_Static(t *testing.T) {
	s := Static{Project: "p", Host: "h"}
	ctx := context.Background()

	v, err := s.ProjectID(ctx)
	r.NoError(t, err)
	r.Equal(t, "p", v)
	v, err = s.Hostname(ctx)
	r.NoError(t, err)
	r.Equal(t, "h", v)
	_, err = s.InstanceID(ctx)
	r.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata_GCE(t *testing.T) {
	srv := mockMetadataServer(t, map[string]mockAnswer{
		pathProjectID:  {http.StatusOK, "my-project\n"},
		pathHostname:   {http.StatusOK, "vm-1.internal"},
		pathInstanceID: {http.StatusServiceUnavailable, ""},
	})
	g := NewGCE(srv.URL, time.Second)
	ctx := context.Background()

	v, err := g.ProjectID(ctx)
	r.NoError(t, err)
	r.Equal(t, "my-project", v)

	v, err = g.Hostname(ctx)
	r.NoError(t, err)
	r.Equal(t, "vm-1.internal", v)

	_, err = g.InstanceID(ctx)
	r.ErrorContains(t, err, "temporarily unavailable")
}

func TestMetadata_GCE_NotFound(t *testing.T) {
	srv := mockMetadataServer(t, map[string]mockAnswer{})
	g := NewGCE(srv.URL, time.Second)

	_, err := g.ProjectID(context.Background())
	r.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata_Chain(t *testing.T) {
	srv := mockMetadataServer(t, map[string]mockAnswer{
		pathProjectID:  {http.StatusOK, "from-server"},
		pathInstanceID: {http.StatusOK, "1234"},
	})
	c := Chain{Static{Project: "from-config"}, NewGCE(srv.URL, time.Second)}
	ctx := context.Background()

	v, err := c.ProjectID(ctx)
	r.NoError(t, err)
	r.Equal(t, "from-config", v)

	v, err = c.InstanceID(ctx)
	r.NoError(t, err)
	r.Equal(t, "1234", v)

	_, err = c.Hostname(ctx)
	r.Error(t, err)
	r.True(t, errors.Is(err, ErrNotFound))

	_, err = Chain{}.ProjectID(ctx)
	r.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata_FromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectID = "p"
	cfg.Metadata.Kind = config.MetadataStatic
	r.Equal(t, Static{Project: "p"}, FromConfig(cfg))

	cfg.Metadata.Kind = config.MetadataGCE
	chain, ok := FromConfig(cfg).(Chain)
	r.True(t, ok)
	r.Len(t, chain, 2)
}

//mockers

type mockAnswer struct {
	status int
	body   string
}

func mockMetadataServer(t *testing.T, answers map[string]mockAnswer) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		a, ok := answers[req.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(a.status)
		_, _ = w.Write([]byte(a.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

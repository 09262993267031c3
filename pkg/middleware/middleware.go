// Package middleware instruments net/http servers and clients.
package middleware

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/stleox/seetrace/pkg/agent"
	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/tracer"
)

// marks the agent's own outgoing requests
const agentRequestHeader = "x-cloud-trace-agent-request"

// Handler runs every request in a root span named by the URL path.
func Handler(a *agent.Agent, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		incoming := req.Header.Get(config.ContextHeaderName)
		ctx, root := a.StartRootSpan(req.Context(), agent.RootSpanOptions{
			Name:         req.URL.Path,
			URL:          req.URL.Path,
			TraceContext: incoming,
		})
		if h := a.GetResponseTraceContext(incoming, a.IsRealSpan(root)); h != "" {
			w.Header().Set(config.ContextHeaderName, h)
		}

		root.AddLabel(tracer.LabelHTTPMethod, req.Method)
		root.AddLabel(tracer.LabelHTTPURL, requestURL(req))
		root.AddLabel(tracer.LabelHTTPSourceIP, sourceIP(req))

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if reason := recover(); reason != nil {
				root.AddLabel(tracer.LabelErrorName, fmt.Sprintf("%T", reason))
				root.AddLabel(tracer.LabelErrorMessage, reason)
				root.AddLabel(tracer.LabelHTTPStatusCode, http.StatusInternalServerError)
				root.EndSpan()
				panic(reason)
			}
			root.AddLabel(tracer.LabelHTTPStatusCode, rec.status)
			root.AddLabel(tracer.LabelHTTPResponseSize, rec.size)
			root.EndSpan()
		}()
		next.ServeHTTP(rec, req.WithContext(ctx))
	})
}

func requestURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + req.URL.RequestURI()
}

func sourceIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Transport opens a child span per outgoing request and propagates its
// context header. The span ends when the response body is closed.
type Transport struct {
	Agent *agent.Agent
	Base  http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(agentRequestHeader) != "" {
		return t.base().RoundTrip(req)
	}
	ctx, span := t.Agent.CreateChildSpan(req.Context(), agent.ChildSpanOptions{Name: req.URL.Host})
	if !t.Agent.IsRealSpan(span) {
		return t.base().RoundTrip(req)
	}

	// transports below see this span as the current one
	req = req.Clone(ctx)
	req.Header.Set(config.ContextHeaderName, span.TraceContext())
	span.AddLabel(tracer.LabelHTTPMethod, req.Method)
	span.AddLabel(tracer.LabelHTTPURL, req.URL.String())

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		span.AddLabel(tracer.LabelErrorName, fmt.Sprintf("%T", err))
		span.AddLabel(tracer.LabelErrorMessage, err)
		span.EndSpan()
		return nil, err
	}
	span.AddLabel(tracer.LabelHTTPStatusCode, resp.StatusCode)
	if resp.Body == nil || resp.Body == http.NoBody {
		span.EndSpan()
		return resp, nil
	}
	resp.Body = &spanBody{ReadCloser: resp.Body, span: span}
	return resp, nil
}

type spanBody struct {
	io.ReadCloser
	span tracer.SpanData
	once sync.Once
	size int
}

func (b *spanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.size += n
	if err == io.EOF {
		b.end()
	}
	return n, err
}

func (b *spanBody) Close() error {
	b.end()
	return b.ReadCloser.Close()
}

func (b *spanBody) end() {
	b.once.Do(func() {
		b.span.AddLabel(tracer.LabelHTTPResponseSize, b.size)
		b.span.EndSpan()
	})
}

package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stleox/seetrace/pkg/agent"
	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/middleware"
	"github.com/stleox/seetrace/pkg/policy"
	"github.com/stleox/seetrace/pkg/publish"
)

const shutdownTimeout = 10 * time.Second

var serveOpts struct {
	addr       string
	downstream string
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// newMux serves the demo endpoints. /call forwards to downstream through the
// instrumented transport when set.
func newMux(a *agent.Agent, downstream string) *http.ServeMux {
	client := &http.Client{Transport: &middleware.Transport{Agent: a}}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.Handler(a, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = fmt.Fprintf(w, "hello from %s\n", config.AgentName)
	})))
	mux.Handle("/call", middleware.Handler(a, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if downstream == "" {
			http.Error(w, "no downstream configured", http.StatusNotFound)
			return
		}
		out, err := http.NewRequestWithContext(req.Context(), http.MethodGet, downstream, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp, err := client.Do(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})))
	return mux
}

func New(vp *viper.Viper) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve an instrumented demo HTTP service and publish its traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `serve`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}
			config.InitLogrus(cfg.LogLevel)

			// init publisher
			pub, err := publish.New(ctx, cfg.Publisher)
			if err != nil {
				return err
			}
			if s, ok := pub.(shutdowner); ok {
				defer func() {
					if err := s.Shutdown(context.Background()); err != nil {
						logrus.Error(err)
					}
				}()
			}

			// init agent
			a := agent.New("serve")
			err = a.Start(ctx, cfg, agent.Deps{
				Publisher:      pub,
				Registerer:     prometheus.DefaultRegisterer,
				IgnoreMatchers: []policy.URLMatcher{policy.Literal("/metrics")},
			})
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancelFlush()
				if err := a.Flush(flushCtx); err != nil {
					logrus.WithError(err).Warn("SeeTrace couldn't flush traces on shutdown")
				}
				a.Stop()
			}()

			srv := &http.Server{
				Addr:              serveOpts.addr,
				Handler:           newMux(a, serveOpts.downstream),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logrus.WithField("addr", serveOpts.addr).Info("SeeTrace serving")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		},
	}
	serve.Flags().StringVar(&serveOpts.addr, "addr", ":8080", "Listen address")
	serve.Flags().StringVar(&serveOpts.downstream, "downstream", "", "URL called by /call through the traced client")
	return serve
}

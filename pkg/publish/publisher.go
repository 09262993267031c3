package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/status"

	"github.com/stleox/seetrace/pkg/config"
)

// Publisher ships one serialized batch. It reports success or failure and
// never retries.
type Publisher interface {
	Publish(ctx context.Context, projectID string, batch []byte) error
}

// StatusError is a non-2xx answer of the collection endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collection endpoint answered %d: %s", e.Code, e.Body)
}

// ErrorFields extracts the status detail of a publish failure for logging.
func ErrorFields(err error) logrus.Fields {
	fields := logrus.Fields{}
	var se *StatusError
	if errors.As(err, &se) {
		fields["status"] = se.Code
		return fields
	}
	if s, ok := status.FromError(err); ok {
		fields["code"] = s.Code().String()
	}
	return fields
}

// New builds the publisher selected by cfg.
func New(ctx context.Context, cfg config.PublisherConfig) (Publisher, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Kind {
	case config.PublisherHTTP:
		return NewHTTPPublisher(cfg.Endpoint, timeout), nil
	case config.PublisherOTLP:
		return NewGRPCPublisher(ctx, cfg.Endpoint, cfg.Insecure)
	case config.PublisherStdout:
		return NewStdoutPublisher()
	case config.PublisherOlap:
		return NewOlapPublisher(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

package writer

import (
	"context"

	"github.com/stleox/seetrace/pkg/config"
)

// HandleFatal applies the onUncaughtException behavior for a panic that is
// about to take the process down.
func (w *Writer) HandleFatal(reason any) {
	switch w.cfg.OnUncaughtException {
	case config.UncaughtFlush:
		w.log.WithField("reason", reason).Error("Uncaught panic, flushing traces")
		w.flush(triggerFatal)
	case config.UncaughtFlushAndExit:
		w.log.WithField("reason", reason).Error("Uncaught panic, flushing traces before exit")
		w.flush(triggerFatal)
		ctx, cancel := context.WithTimeout(context.Background(), w.exitGrace)
		defer cancel()
		if err := w.Wait(ctx); err != nil {
			w.log.WithError(err).Warn("SeeTrace couldn't finish publishing before exit")
		}
		w.exit(1)
	}
}

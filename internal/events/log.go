package events

import (
	"go.uber.org/zap"

	"github.com/shmrymbd/haier-decoder-sub000/internal/logging"
)

// LogAll attaches a logging subscriber to the bus: every event is
// written through the zap wrapper at debug level, state changes and
// errors at info/warn. Returns a cancel function detaching the
// subscriber.
func LogAll(b *Bus) func() {
	ch, cancel := b.Subscribe(256)
	go func() {
		for ev := range ch {
			switch ev.(type) {
			case StateChanged, AuthResult:
				logging.Info("Event", zap.String("kind", ev.Kind()), zap.String("summary", Describe(ev)))
			case TransportError, FrameInvalid, FrameMalformed:
				logging.Warn("Event", zap.String("kind", ev.Kind()), zap.String("summary", Describe(ev)))
			default:
				logging.Debug("Event", zap.String("kind", ev.Kind()), zap.String("summary", Describe(ev)))
			}
		}
	}()
	return cancel
}

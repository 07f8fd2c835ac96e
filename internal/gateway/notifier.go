package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/connreg"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Notifier adapts the connection registry to the session/matchmaker push
// interface. Offline identities drop silently. Delivery is an enqueue onto
// the connection's write pump, so callers may hold locks.
type Notifier struct {
	conns *connreg.Registry
}

func NewNotifier(conns *connreg.Registry) *Notifier {
	return &Notifier{conns: conns}
}

func (n *Notifier) Notify(identity string, env arenadto.Envelope) {
	if err := n.conns.Send(context.Background(), identity, env); err != nil {
		obslog.L().Warn("push_failed",
			zap.String("identity", identity),
			zap.String("type", env.Type),
			zap.Error(err),
		)
	}
}

package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/broker"
	"github.com/chapterstream/transcoder/internal/config"
)

// BrokerHandle wraps the AMQP broker connection with shutdown capability.
type BrokerHandle struct {
	*broker.Broker
}

// Shutdown implements do.Shutdownable.
func (h *BrokerHandle) Shutdown() error {
	return h.Close()
}

// ProvideBroker provides the intake-exchange and deletion-topic broker
// connection.
func ProvideBroker(i do.Injector) (*BrokerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	b, err := broker.Connect(cfg.Broker.URL, log)
	if err != nil {
		return nil, err
	}

	log.Info("broker connected")
	return &BrokerHandle{Broker: b}, nil
}

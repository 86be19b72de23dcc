package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"
)

// Bridge republishes selected bus topics to NATS via watermill, so
// out-of-process subscribers (frontends, recorders) can consume the event
// surface without touching the in-process bus.
type Bridge struct {
	bus       *Bus
	publisher message.Publisher
	logger    *zap.Logger
	patterns  []string

	queueCapacity int

	cancel context.CancelFunc
	done   chan struct{}
}

// BridgeConfig configures the NATS bridge.
type BridgeConfig struct {
	// URL is the NATS server URL.
	URL string

	// ClusterID and ClientID identify this publisher on the streaming
	// cluster.
	ClusterID string
	ClientID  string

	// Topics are the bus topic patterns to republish.
	Topics []string

	// QueueCapacity bounds the bridge's bus subscription. The bridge is a
	// best-effort mirror; it drops oldest under pressure.
	QueueCapacity int
}

// NewBridge creates a bridge publishing to NATS streaming.
func NewBridge(bus *Bus, cfg BridgeConfig, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clusterID := cfg.ClusterID
	if clusterID == "" {
		clusterID = "tradepulse"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tradepulse-bridge"
	}

	publisher, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   clusterID,
		ClientID:    clientID,
		StanOptions: []stan.Option{stan.NatsURL(cfg.URL)},
		Marshaler:   wmnats.GobMarshaler{},
	}, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, err
	}

	return newBridge(bus, publisher, cfg, logger), nil
}

// newBridge wires a bridge over any watermill publisher. Split out so
// tests can use an in-memory publisher.
func newBridge(bus *Bus, publisher message.Publisher, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	patterns := cfg.Topics
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &Bridge{
		bus:       bus,
		publisher: publisher,
		logger:    logger,
		patterns:  patterns,

		queueCapacity: cfg.QueueCapacity,
	}
}

// wireEvent is the serialized form sent over NATS.
type wireEvent struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	TS        int64           `json:"ts"` // nanoseconds
	Source    string          `json:"source"`
	SessionID string          `json:"session_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Start begins mirroring events until Stop.
func (br *Bridge) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	br.cancel = cancel
	br.done = make(chan struct{}, len(br.patterns))

	for _, pattern := range br.patterns {
		sub, err := br.bus.Subscribe(pattern, SubscribeOptions{
			Name:     "nats-bridge:" + pattern,
			Capacity: br.queueCapacity,
			Policy:   DropOldest,
		})
		if err != nil {
			cancel()
			return err
		}

		go func(sub *Subscription) {
			defer func() { br.done <- struct{}{} }()
			defer sub.Close()
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					br.forward(ev)
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	br.logger.Info("NATS bridge started", zap.Strings("patterns", br.patterns))
	return nil
}

func (br *Bridge) forward(ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		br.logger.Warn("Bridge payload not serializable",
			zap.String("topic", ev.Topic), zap.Error(err))
		payload = nil
	}
	body, err := json.Marshal(wireEvent{
		ID:        ev.ID,
		Topic:     ev.Topic,
		TS:        int64(ev.TS),
		Source:    ev.Source,
		SessionID: ev.SessionID,
		Symbol:    ev.Symbol,
		Seq:       ev.Seq,
		Payload:   payload,
	})
	if err != nil {
		return
	}

	msg := message.NewMessage(ev.ID, body)
	if err := br.publisher.Publish(ev.Topic, msg); err != nil {
		br.logger.Warn("Bridge publish failed",
			zap.String("topic", ev.Topic), zap.Error(err))
	}
}

// Stop stops the bridge and closes the publisher.
func (br *Bridge) Stop() error {
	if br.cancel != nil {
		br.cancel()
		for range br.patterns {
			<-br.done
		}
	}
	return br.publisher.Close()
}

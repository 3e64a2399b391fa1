// Package natsfeed implements a DataFeed adapter (SPEC_FULL.md component P)
// over NATS JetStream: every message on a configured subject pattern
// updates one node's value in the AddressSpace Facade.
//
// Grounded on src/server.go's JetStream Subscribe/manual-ack loop and
// src/channels.go's subject<->channel mapping: a JetStream subject
// "odin.token.BTC" there maps to WebSocket channel "token.BTC"; here the
// same subject-suffix-as-identifier idea maps a subject directly to a
// node id, dropping the WebSocket-channel indirection since this server
// has no pub-sub fanout layer of its own, only the AddressSpace cache.
package natsfeed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// Config configures the JetStream connection and subscription.
type Config struct {
	URL            string
	SubjectPrefix  string // e.g. "opcua." — stripped to form the node id
	StreamName     string
	ConsumerName   string
	AckWait        time.Duration
	StreamMaxAge   time.Duration
	StreamMaxBytes int64
}

// payload is the expected JSON body of a feed message: a scalar value plus
// an optional status code, matching the shape a publisher-side bridge
// would naturally produce from a PLC/SCADA tag update.
type payload struct {
	Value  interface{} `json:"value"`
	Status uint32      `json:"status"`
}

// Feed is a DataFeed backed by a JetStream durable consumer.
type Feed struct {
	cfg    Config
	space  *addrspace.Space
	logger *zap.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// New creates a Feed bound to an address space. Connection happens in
// Start, not here, so construction never blocks or fails on network I/O.
func New(cfg Config, space *addrspace.Space, logger *zap.Logger) *Feed {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.StreamMaxAge == 0 {
		cfg.StreamMaxAge = 30 * time.Second
	}
	return &Feed{cfg: cfg, space: space, logger: logger.Named("natsfeed")}
}

// Start connects, ensures the stream exists, and subscribes with manual
// ack — mirroring src/server.go's NewServer/Start JetStream setup almost
// verbatim, generalized from "odin.token.>" to a configurable subject.
func (f *Feed) Start() error {
	nc, err := nats.Connect(f.cfg.URL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return errors.Wrap(err, "natsfeed: connecting")
	}
	f.conn = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return errors.Wrap(err, "natsfeed: initializing jetstream")
	}

	subject := f.cfg.SubjectPrefix + ">"
	if _, err := js.StreamInfo(f.cfg.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      f.cfg.StreamName,
			Subjects:  []string{subject},
			Retention: nats.InterestPolicy,
			MaxAge:    f.cfg.StreamMaxAge,
			MaxBytes:  f.cfg.StreamMaxBytes,
			Storage:   nats.MemoryStorage,
			Discard:   nats.DiscardOld,
		}); err != nil {
			nc.Close()
			return errors.Wrap(err, "natsfeed: creating stream")
		}
	}

	sub, err := js.Subscribe(subject, f.handleMessage, nats.Durable(f.cfg.ConsumerName), nats.ManualAck(), nats.AckWait(f.cfg.AckWait))
	if err != nil {
		nc.Close()
		return errors.Wrap(err, "natsfeed: subscribing")
	}
	f.sub = sub
	return nil
}

func (f *Feed) handleMessage(msg *nats.Msg) {
	nodeID := f.subjectToNodeID(msg.Subject)
	if nodeID == "" {
		f.logger.Warn("message on unmappable subject", zap.String("subject", msg.Subject))
		_ = msg.Nak()
		return
	}

	var p payload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		f.logger.Warn("failed to decode feed payload", zap.String("subject", msg.Subject), zap.Error(err))
		_ = msg.Nak()
		return
	}

	now := time.Now()
	f.space.Apply(nodeID, ua.DataValue{
		Value:           p.Value,
		Status:          ua.StatusCode(p.Status),
		SourceTimestamp: now,
		ServerTimestamp: now,
	})
	_ = msg.Ack()
}

// subjectToNodeID generalizes src/channels.go's NATSSubjectToChannel: strip
// the configured prefix, the remainder is the node id.
func (f *Feed) subjectToNodeID(subject string) string {
	if !strings.HasPrefix(subject, f.cfg.SubjectPrefix) {
		return ""
	}
	return strings.TrimPrefix(subject, f.cfg.SubjectPrefix)
}

// Stop drains the subscription and closes the connection.
func (f *Feed) Stop() error {
	if f.sub != nil {
		_ = f.sub.Drain()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	return nil
}

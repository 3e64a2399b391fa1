// Package kafkafeed implements a DataFeed adapter (SPEC_FULL.md component
// P) over Kafka/Redpanda: the record key is the node id, the record value
// is a JSON-encoded scalar update.
//
// Grounded on ws/kafka/consumer.go's Consumer: same franz-go client
// construction (ConsumeResetOffset AtEnd, FetchMaxWait/FetchMinBytes
// tuning), same context-cancel-driven consumeLoop/PollFetches shape, same
// key-as-identifier convention (there: tokenID; here: node id). The
// JSON TokenEvent{Type,Timestamp,Data} envelope collapses to this feed's
// flatter {Value,Status} payload since there's no event-type fan-out here,
// only a single Value attribute per node.
package kafkafeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// Config configures the consumer group and topic set.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
}

type payload struct {
	Value  interface{} `json:"value"`
	Status uint32      `json:"status"`
}

// Feed is a DataFeed backed by a franz-go consumer group.
type Feed struct {
	cfg    Config
	space  *addrspace.Space
	logger *zap.Logger

	client *kgo.Client
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesProcessed uint64
	messagesFailed    uint64
}

// New creates a Feed bound to an address space. Like natsfeed.New, broker
// connection happens in Start.
func New(cfg Config, space *addrspace.Space, logger *zap.Logger) *Feed {
	return &Feed{cfg: cfg, space: space, logger: logger.Named("kafkafeed")}
}

// Start creates the franz-go client and launches the consume loop.
func (f *Feed) Start() error {
	if len(f.cfg.Brokers) == 0 {
		return errors.New("kafkafeed: at least one broker is required")
	}
	if f.cfg.ConsumerGroup == "" {
		return errors.New("kafkafeed: consumer group is required")
	}
	if len(f.cfg.Topics) == 0 {
		return errors.New("kafkafeed: at least one topic is required")
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())

	client, err := kgo.NewClient(
		kgo.SeedBrokers(f.cfg.Brokers...),
		kgo.ConsumerGroup(f.cfg.ConsumerGroup),
		kgo.ConsumeTopics(f.cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		f.cancel()
		return errors.Wrap(err, "kafkafeed: creating client")
	}
	f.client = client

	f.wg.Add(1)
	go f.consumeLoop()
	return nil
}

func (f *Feed) consumeLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
			fetches := f.client.PollFetches(f.ctx)
			for _, err := range fetches.Errors() {
				f.logger.Error("fetch error", zap.String("topic", err.Topic), zap.Int32("partition", err.Partition), zap.Error(err.Err))
			}
			fetches.EachRecord(f.processRecord)
		}
	}
}

func (f *Feed) processRecord(record *kgo.Record) {
	nodeID := string(record.Key)
	if nodeID == "" {
		f.logger.Warn("record missing node id key", zap.String("topic", record.Topic))
		f.messagesFailed++
		return
	}

	var p payload
	if err := json.Unmarshal(record.Value, &p); err != nil {
		f.logger.Error("failed to decode feed payload", zap.String("node_id", nodeID), zap.Error(err))
		f.messagesFailed++
		return
	}

	now := time.Now()
	f.space.Apply(nodeID, ua.DataValue{
		Value:           p.Value,
		Status:          ua.StatusCode(p.Status),
		SourceTimestamp: now,
		ServerTimestamp: now,
	})
	f.messagesProcessed++
}

// Stop cancels the consume loop, waits for it to exit, and closes the
// client.
func (f *Feed) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	if f.client != nil {
		f.client.Close()
	}
	return nil
}

package kafkafeed

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
)

func TestStartRejectsEmptyBrokers(t *testing.T) {
	f := New(Config{ConsumerGroup: "g", Topics: []string{"t"}}, addrspace.New(), zap.NewNop())
	if err := f.Start(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestStartRejectsEmptyConsumerGroup(t *testing.T) {
	f := New(Config{Brokers: []string{"localhost:9092"}, Topics: []string{"t"}}, addrspace.New(), zap.NewNop())
	if err := f.Start(); err == nil {
		t.Fatal("expected error for empty consumer group")
	}
}

func TestStartRejectsEmptyTopics(t *testing.T) {
	f := New(Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}, addrspace.New(), zap.NewNop())
	if err := f.Start(); err == nil {
		t.Fatal("expected error for empty topics")
	}
}

func TestProcessRecordAppliesValueByKey(t *testing.T) {
	space := addrspace.New()
	f := New(Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", Topics: []string{"t"}}, space, zap.NewNop())

	f.processRecord(&kgo.Record{
		Key:   []byte("ns=2;s=Flow"),
		Value: []byte(`{"value":12.5,"status":0}`),
	})

	v, ok := space.Read("ns=2;s=Flow")
	if !ok {
		t.Fatal("expected value to be applied")
	}
	if v.Value != 12.5 {
		t.Fatalf("value = %v, want 12.5", v.Value)
	}
	if f.messagesProcessed != 1 {
		t.Fatalf("messagesProcessed = %d, want 1", f.messagesProcessed)
	}
}

func TestProcessRecordRejectsMissingKey(t *testing.T) {
	space := addrspace.New()
	f := New(Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", Topics: []string{"t"}}, space, zap.NewNop())

	f.processRecord(&kgo.Record{Value: []byte(`{"value":1}`)})

	if f.messagesFailed != 1 {
		t.Fatalf("messagesFailed = %d, want 1", f.messagesFailed)
	}
}

func TestProcessRecordRejectsMalformedPayload(t *testing.T) {
	space := addrspace.New()
	f := New(Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", Topics: []string{"t"}}, space, zap.NewNop())

	f.processRecord(&kgo.Record{Key: []byte("ns=2;s=Flow"), Value: []byte(`not json`)})

	if f.messagesFailed != 1 {
		t.Fatalf("messagesFailed = %d, want 1", f.messagesFailed)
	}
	if _, ok := space.Read("ns=2;s=Flow"); ok {
		t.Fatal("expected no value applied for malformed payload")
	}
}

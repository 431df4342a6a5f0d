// Package kafka provides Kafka connectors. The source is bounded: it
// captures the topic's high watermarks when opened and stops at them, so a
// batch run over a live topic still terminates.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flowmill/flowmill"
	"github.com/flowmill/flowmill/schema"
)

// Source is a SourceFactory consuming one topic from the beginning up to the
// high watermark observed at Open. Parameters:
//
//	brokers  comma-separated seed brokers
//	topic    topic to consume
//
// Record values are JSON objects keyed by field name.
func Source(params map[string]string, s *schema.Schema) (flowmill.RecordSource, error) {
	brokers, topic, err := connection(params)
	if err != nil {
		return nil, err
	}
	return &source{brokers: brokers, topic: topic, schema: s}, nil
}

func connection(params map[string]string) ([]string, string, error) {
	if params["brokers"] == "" {
		return nil, "", fmt.Errorf("kafka connector requires a brokers parameter")
	}
	if params["topic"] == "" {
		return nil, "", fmt.Errorf("kafka connector requires a topic parameter")
	}
	return strings.Split(params["brokers"], ","), params["topic"], nil
}

type source struct {
	brokers []string
	topic   string
	schema  *schema.Schema

	client *kgo.Client

	// remaining counts records still expected per partition; the stream
	// ends when every entry is gone.
	remaining map[int32]int64
	buf       []*kgo.Record
}

func (s *source) Open(ctx context.Context, _ *flowmill.RunContext) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.ConsumeTopics(s.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	ends, err := kadm.NewClient(client).ListEndOffsets(ctx, s.topic)
	if err != nil {
		client.Close()
		return fmt.Errorf("fetch high watermarks: %w", err)
	}
	starts, err := kadm.NewClient(client).ListStartOffsets(ctx, s.topic)
	if err != nil {
		client.Close()
		return fmt.Errorf("fetch start offsets: %w", err)
	}

	s.remaining = make(map[int32]int64)
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			return
		}
		end := o.Offset
		if so, ok := starts.Lookup(o.Topic, o.Partition); ok {
			end -= so.Offset
		}
		if end > 0 {
			s.remaining[o.Partition] = end
		}
	})
	s.client = client
	return nil
}

func (s *source) Next(ctx context.Context) (schema.Record, error) {
	for len(s.buf) == 0 {
		if len(s.remaining) == 0 {
			return schema.Record{}, flowmill.ErrEndOfStream
		}
		fetches := s.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return schema.Record{}, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return schema.Record{}, fmt.Errorf("fetch %s[%d]: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			if _, want := s.remaining[r.Partition]; !want {
				return
			}
			s.buf = append(s.buf, r)
			s.remaining[r.Partition]--
			if s.remaining[r.Partition] == 0 {
				delete(s.remaining, r.Partition)
			}
		})
	}

	r := s.buf[0]
	s.buf = s.buf[1:]
	rec, err := schema.UnmarshalRecordJSON(s.schema, r.Value)
	if err != nil {
		return schema.Record{}, fmt.Errorf("%s[%d]@%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	return rec, nil
}

func (s *source) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// Sink is a SinkFactory producing JSON records to one topic. Parameters are
// as for Source, plus:
//
//	key  optional field whose value becomes the message key
//
// For a partitioned output the partition label is appended to the topic name.
func Sink(params map[string]string, s *schema.Schema, partition string) (flowmill.RecordSink, error) {
	brokers, topic, err := connection(params)
	if err != nil {
		return nil, err
	}
	if partition != "" {
		topic = topic + "." + partition
	}
	keyField := params["key"]
	if keyField != "" && !s.Has(keyField) {
		return nil, fmt.Errorf("key field %q not in sink schema %s", keyField, s)
	}
	return &sink{brokers: brokers, topic: topic, schema: s, keyField: keyField}, nil
}

type sink struct {
	brokers  []string
	topic    string
	schema   *schema.Schema
	keyField string

	client *kgo.Client
	ctx    context.Context

	// mu guards errs; produce callbacks run on client goroutines.
	mu   sync.Mutex
	errs []error
}

func (s *sink) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		return s.errs[0]
	}
	return nil
}

func (s *sink) Open(ctx context.Context, _ *flowmill.RunContext) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.DefaultProduceTopic(s.topic),
	)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	s.client = client
	s.ctx = ctx
	return nil
}

func (s *sink) Write(ctx context.Context, rec schema.Record) error {
	if err := s.firstErr(); err != nil {
		return err
	}
	value, err := schema.MarshalRecordJSON(rec)
	if err != nil {
		return err
	}
	var key []byte
	if s.keyField != "" {
		key = []byte(rec.MustGet(s.keyField).String())
	}
	s.client.Produce(ctx, &kgo.Record{Key: key, Value: value}, func(_ *kgo.Record, err error) {
		if err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	})
	return nil
}

// Close flushes every in-flight produce; the output counts as committed only
// when all of them succeeded.
func (s *sink) Close() error {
	if err := s.client.Flush(s.ctx); err != nil {
		s.client.Close()
		return err
	}
	s.client.Close()
	return s.firstErr()
}

var (
	_ flowmill.RecordSource = (*source)(nil)
	_ flowmill.RecordSink   = (*sink)(nil)
)

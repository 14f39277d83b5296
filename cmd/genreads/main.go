// Command genreads produces synthetic reader payloads for load and recovery
// testing. Payloads go to a JSONL file, the gateway's ingest endpoint, or the
// Kafka topic rfidbridge consumes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/segmentio/kafka-go"

	"rfidgw/internal/api"
	"rfidgw/internal/queue"
)

type options struct {
	count     int
	batch     int
	tags      int
	readers   int
	sink      string // file|http|kafka
	output    string
	gateway   string
	key       string
	secret    string
	bootstrap string
	topic     string
	seed      uint64
}

func main() {
	var o options
	flag.IntVar(&o.count, "count", 100, "number of tag reads to generate")
	flag.IntVar(&o.batch, "batch", 10, "tag reads per payload")
	flag.IntVar(&o.tags, "tags", 50, "distinct tags")
	flag.IntVar(&o.readers, "readers", 3, "distinct readers")
	flag.StringVar(&o.sink, "sink", "file", "where payloads go: file|http|kafka")
	flag.StringVar(&o.output, "output", "reads.jsonl", "output file for -sink=file")
	flag.StringVar(&o.gateway, "gateway", "http://localhost:8080", "gateway base URL for -sink=http")
	flag.StringVar(&o.key, "api-key", os.Getenv("RFIDGW_API_KEY"), "API key for -sink=http")
	flag.StringVar(&o.secret, "api-secret", os.Getenv("RFIDGW_API_SECRET"), "API secret for -sink=http")
	flag.StringVar(&o.bootstrap, "kafka-bootstrap", "localhost:9092", "kafka bootstrap for -sink=kafka")
	flag.StringVar(&o.topic, "topic", "rfid.reads", "kafka topic for -sink=kafka")
	flag.Uint64Var(&o.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	flag.Parse()

	if err := generate(context.Background(), o); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

type sink interface {
	send(ctx context.Context, payload []byte) error
	close() error
}

func openSink(o options) (sink, error) {
	switch o.sink {
	case "file":
		f, err := os.Create(o.output)
		if err != nil {
			return nil, fmt.Errorf("create file: %w", err)
		}
		return &fileSink{f: f}, nil
	case "http":
		client := resty.New().
			SetBaseURL(o.gateway).
			SetHeader("Content-Type", "application/json").
			SetHeader("Authorization", "token "+o.key+":"+o.secret)
		return &httpSink{client: client}, nil
	case "kafka":
		return &kafkaSink{w: &kafka.Writer{
			Addr:     kafka.TCP(queue.SplitBrokers(o.bootstrap)...),
			Topic:    o.topic,
			Balancer: &kafka.Hash{},
		}}, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", o.sink)
	}
}

func generate(ctx context.Context, o options) error {
	s, err := openSink(o)
	if err != nil {
		return err
	}
	defer s.close()

	g := newGenerator(o.seed, o.tags, o.readers)
	sent := 0
	for sent < o.count {
		n := min(o.batch, o.count-sent)
		b, err := json.Marshal(g.payload(n))
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		if err := s.send(ctx, b); err != nil {
			return err
		}
		sent += n
	}
	log.Printf("generated %d tag reads to %s", sent, o.sink)
	return nil
}

type fileSink struct{ f *os.File }

func (s *fileSink) send(_ context.Context, b []byte) error {
	_, err := s.f.Write(append(b, '\n'))
	return err
}

func (s *fileSink) close() error { return s.f.Close() }

type httpSink struct{ client *resty.Client }

func (s *httpSink) send(ctx context.Context, b []byte) error {
	resp, err := s.client.R().SetContext(ctx).SetBody(b).Post(api.EventsPath)
	if err != nil {
		return fmt.Errorf("post payload: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway answered %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (s *httpSink) close() error { return nil }

type kafkaSink struct{ w *kafka.Writer }

func (s *kafkaSink) send(ctx context.Context, b []byte) error {
	return s.w.WriteMessages(ctx, kafka.Message{Value: b})
}

func (s *kafkaSink) close() error { return s.w.Close() }

package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"rfidgw/internal/model"
)

func entry(tag string) Entry {
	rt := time.Date(2024, 5, 17, 21, 49, 48, 0, time.UTC)
	return Entry{
		Op:    OpInsert,
		Event: model.TagEvent{ID: model.EventID(tag, rt), TagID: tag, ReadTime: rt},
		TS:    rt.UnixMilli(),
	}
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if w.Offset() != 0 {
		t.Fatalf("fresh offset = %d", w.Offset())
	}

	e1, e2 := entry("AAAA"), entry("BBBB")
	if err := w.Append(e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatalf("append2: %v", err)
	}
	if w.Offset() != 2 {
		t.Fatalf("offset = %d want 2", w.Offset())
	}

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Entry
	for s.Scan() {
		var e Entry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Event.ID != e1.Event.ID || got[1].Event.TagID != "BBBB" || got[0].Op != OpInsert {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestFileWriter_ResumesOffset(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for _, tag := range []string{"A", "B", "C"} {
		if err := w.Append(entry(tag)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	w2, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w2.Offset() != 3 {
		t.Fatalf("reopened offset = %d want 3", w2.Offset())
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	e := entry("AAAA")
	if err := kw.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != e.Event.ID {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(entry("AAAA")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiWriter_StopsOnFirstError(t *testing.T) {
	ok, bad, after := &fakeKafkaWriter{}, &fakeKafkaWriter{fail: true}, &fakeKafkaWriter{}
	mw := NewMultiWriter(NewKafkaWriterWith(ok), NewKafkaWriterWith(bad), NewKafkaWriterWith(after))
	if err := mw.Append(entry("AAAA")); err == nil {
		t.Fatalf("expected error")
	}
	if len(ok.msgs) != 1 || len(after.msgs) != 0 {
		t.Fatalf("ok=%d after=%d", len(ok.msgs), len(after.msgs))
	}
}

func TestNewKafkaWriter_FlushesEachAppend(t *testing.T) {
	kw := NewKafkaWriter("k1:9092,k2:9092", "events-changelog")
	defer kw.Close()

	w, ok := kw.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer is %T, want *kafka.Writer", kw.writer)
	}
	if w.Topic != "events-changelog" {
		t.Fatalf("topic = %q", w.Topic)
	}
	if w.BatchSize != 1 {
		t.Fatalf("BatchSize = %d, want 1", w.BatchSize)
	}
	if w.BatchTimeout <= 0 || w.BatchTimeout > 10*time.Millisecond {
		t.Fatalf("BatchTimeout = %v, want a few milliseconds", w.BatchTimeout)
	}
	if w.Async {
		t.Fatal("writer must be synchronous")
	}
}

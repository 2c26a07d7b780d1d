package journal

import (
	"context"
	"io"

	"github.com/vmihailenco/msgpack"
)

// Record is one entry of the journal. Revision is assigned by the backend
// when the record is appended.
type Record struct {
	Revision   int64  `msgpack:"rev"`
	JournalID  string `msgpack:"journal"`
	ProducerID string `msgpack:"producer"`
	Data       []byte `msgpack:"data"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return msgpack.Marshal(rec)
}

func decodeRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordIterator yields records in increasing revision order. Next returns
// io.EOF after the last record.
type RecordIterator interface {
	Next() (*Record, error)
	Close() error
}

// RecordConsumer receives the records of one producer id. Revision is the
// consumer's watermark: records at or below it are not delivered again.
type RecordConsumer interface {
	ID() string
	Revision() int64
	SetRevision(ctx context.Context, rev int64) error
	Consume(ctx context.Context, rec *Record)
}

type sliceIterator struct {
	records []*Record
}

// NewSliceIterator iterates over records that are already in memory.
func NewSliceIterator(records []*Record) RecordIterator {
	return &sliceIterator{records: records}
}

func (s *sliceIterator) Next() (*Record, error) {
	if len(s.records) == 0 {
		return nil, io.EOF
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

func (s *sliceIterator) Close() error {
	s.records = nil
	return nil
}

// ReadAll drains it and closes it.
func ReadAll(it RecordIterator) ([]*Record, error) {
	defer it.Close()
	var records []*Record
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

package state

import (
	"encoding/binary"
	"time"
)

// On-disk layout shared by the pebble and badger stores:
//
//	ev/<id>            -> encoded TagEvent
//	rt/<ts12><id>      -> id  (ts12 = big-endian unix seconds with the sign
//	                           bit flipped, then big-endian nanoseconds)
var (
	eventPrefix = []byte("ev/")
	timePrefix  = []byte("rt/")
)

func eventKey(id string) []byte {
	return append(append([]byte(nil), eventPrefix...), id...)
}

func timeKey(readTime time.Time, id string) []byte {
	k := make([]byte, 0, len(timePrefix)+timeStampLen+len(id))
	k = append(k, timePrefix...)
	k = appendSortableTime(k, readTime)
	return append(k, id...)
}

// timeBound is the smallest index key for events read at or after t.
func timeBound(t time.Time) []byte {
	return appendSortableTime(append([]byte(nil), timePrefix...), t)
}

const timeStampLen = 12

// appendSortableTime encodes t so byte order matches time order over the whole
// time.Time range, not just the years UnixNano can represent.
func appendSortableTime(k []byte, t time.Time) []byte {
	k = binary.BigEndian.AppendUint64(k, uint64(t.Unix())^(1<<63))
	return binary.BigEndian.AppendUint32(k, uint32(t.Nanosecond()))
}

// prefixEnd returns the first key past every key carrying prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

package neural

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxChannels is the number of amplifier channels in one record.
	MaxChannels = 16
	// RecordSize is the fixed byte width of one encoded record.
	RecordSize = MaxChannels*2 + 4
)

// Record holds one timestamped snapshot of all channel readings.
// It is a value type; records are copied, never shared across goroutines.
type Record struct {
	Channels  [MaxChannels]uint16
	Timestamp uint32 // milliseconds since acquisition start
}

// AppendBinary appends the little-endian encoding of the record to dst.
// The layout is 16 channel words followed by the timestamp, matching the
// on-disk format: readers must know RecordSize to parse.
func (r Record) AppendBinary(dst []byte) []byte {
	for _, ch := range r.Channels {
		dst = binary.LittleEndian.AppendUint16(dst, ch)
	}
	return binary.LittleEndian.AppendUint32(dst, r.Timestamp)
}

// DecodeRecord decodes a single record from b.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, fmt.Errorf("record truncated: %d bytes, need %d", len(b), RecordSize)
	}

	var r Record
	for i := range r.Channels {
		r.Channels[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	r.Timestamp = binary.LittleEndian.Uint32(b[MaxChannels*2:])
	return r, nil
}

// DecodeRecords decodes a concatenation of fixed-width records.
func DecodeRecords(b []byte) ([]Record, error) {
	if len(b)%RecordSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of record size %d", len(b), RecordSize)
	}

	records := make([]Record, 0, len(b)/RecordSize)
	for off := 0; off < len(b); off += RecordSize {
		r, err := DecodeRecord(b[off:])
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// EncodeRecords encodes records back-to-back with no header or framing.
func EncodeRecords(records []Record) []byte {
	buf := make([]byte, 0, len(records)*RecordSize)
	for _, r := range records {
		buf = r.AppendBinary(buf)
	}
	return buf
}

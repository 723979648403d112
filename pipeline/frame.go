package pipeline

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/European-XFEL/Karabo-sub009/errors"
	"github.com/European-XFEL/Karabo-sub009/hash"
)

// Frame reasons.
const (
	ReasonHello       = "hello"
	ReasonUpdate      = "update"
	ReasonEndOfStream = "endOfStream"
	ReasonGoodbye     = "goodbye"
)

// Header keys.
const (
	keyChannelID        = "channelId"
	keyReason           = "reason"
	keyDataDistribution = "dataDistribution"
	keyOnSlowness       = "onSlowness"
	keyNData            = "nData"
	keyByteSize         = "byteSize"
	keyMemoryLocation   = "memoryLocation"
	keyOutputChannel    = "outputChannel"
	keyMaxQueueLength   = "maxQueueLength"
	keySourceInfo       = "sourceInfo"
	keyChunkID          = "chunkId"
	keyAck              = "ack"
	keyMessage          = "message"
)

// MaxFrameSize bounds a single frame. A peer announcing more is dropped.
const MaxFrameSize = 1 << 30

// writeFrame sends header followed by body as one length-prefixed message:
// u32 totalLen, u32 headerLen, header bytes, body bytes. totalLen counts
// everything after itself.
func writeFrame(w io.Writer, header *hash.Hash, body []byte) error {
	hb, err := hash.EncodeBinary(header)
	if err != nil {
		return errors.Wrap(err, "pipeline", "writeFrame", "encode header")
	}
	total := 4 + len(hb) + len(body)
	if total > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", total, errors.ErrResourceExhausted)
	}
	buf := make([]byte, 8, 8+len(hb)+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one message written by writeFrame.
func readFrame(r io.Reader) (*hash.Hash, []byte, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, err
	}
	total := binary.LittleEndian.Uint32(prefix[0:4])
	headerLen := binary.LittleEndian.Uint32(prefix[4:8])
	if total > MaxFrameSize || total < 4 || headerLen > total-4 {
		return nil, nil, fmt.Errorf("frame lengths %d/%d: %w", total, headerLen, errors.ErrDataCorrupted)
	}
	rest := make([]byte, total-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, err
	}
	header, err := hash.DecodeBinary(rest[:headerLen])
	if err != nil {
		return nil, nil, fmt.Errorf("frame header: %w: %w", errors.ErrParsingFailed, err)
	}
	return header, rest[headerLen:], nil
}

// encodeRecords serializes the data Hashes back to back.
func encodeRecords(records []Record) ([]byte, error) {
	var body []byte
	for i, r := range records {
		var err error
		body, err = hash.AppendBinary(body, r.Data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return body, nil
}

// decodeRecords splits body into n data Hashes and pairs them with the
// per-record meta from sourceInfo.
func decodeRecords(body []byte, n int, sourceInfo []*hash.Hash) ([]Record, error) {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		data, used, err := hash.DecodeBinaryPrefix(body)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w: %w", i, errors.ErrParsingFailed, err)
		}
		body = body[used:]
		var meta Meta
		if i < len(sourceInfo) {
			meta = metaFromHash(sourceInfo[i])
		}
		records = append(records, Record{Data: data, Meta: meta})
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records: %w", len(body), n, errors.ErrDataCorrupted)
	}
	return records, nil
}

// dataHeader builds the header of an update frame.
func dataHeader(channelID string, records []Record, byteSize int) *hash.Hash {
	info := make([]*hash.Hash, len(records))
	for i, r := range records {
		info[i] = r.Meta.toHash()
	}
	return hash.New(
		keyChannelID, channelID,
		keyReason, ReasonUpdate,
		keyNData, uint32(len(records)),
		keyByteSize, uint64(byteSize),
		keySourceInfo, info,
	)
}

func controlHeader(channelID, reason string) *hash.Hash {
	return hash.New(keyChannelID, channelID, keyReason, reason)
}

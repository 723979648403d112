package pipeline

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
	"github.com/European-XFEL/Karabo-sub009/pkg/timestamp"
)

func TestFrameRoundTrip(t *testing.T) {
	records := []Record{
		{Data: hash.New("n", int32(1), "img", []float64{1, 2}), Meta: Meta{Source: "cam:output", Timestamp: timestamp.Timestamp{Sec: 10, Frac: 20, Tid: 30}}},
		{Data: hash.New("n", int32(2)), Meta: Meta{Source: "cam:output"}},
	}
	body, err := encodeRecords(records)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, dataHeader("cam:output", records, len(body)), body))

	total := binary.LittleEndian.Uint32(buf.Bytes()[0:4])
	assert.Equal(t, buf.Len()-4, int(total))

	header, gotBody, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ReasonUpdate, hash.GetOr(header, keyReason, ""))
	assert.Equal(t, uint32(2), hash.GetOr(header, keyNData, uint32(0)))
	assert.Equal(t, uint64(len(body)), hash.GetOr(header, keyByteSize, uint64(0)))

	info := hash.GetOr(header, keySourceInfo, []*hash.Hash(nil))
	got, err := decodeRecords(gotBody, 2, info)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, records[0].Data.Equal(got[0].Data))
	assert.True(t, records[1].Data.Equal(got[1].Data))
	assert.Equal(t, records[0].Meta, got[0].Meta)
	assert.Equal(t, "cam:output", got[1].Meta.Source)
}

func TestControlFrameHasEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, controlHeader("x:output", ReasonEndOfStream), nil))
	header, body, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, ReasonEndOfStream, hash.GetOr(header, keyReason, ""))
	assert.Equal(t, "x:output", hash.GetOr(header, keyChannelID, ""))
}

func TestReadFrameRejectsBadLengths(t *testing.T) {
	frame := make([]byte, 8)
	binary.LittleEndian.PutUint32(frame[0:4], 4)
	binary.LittleEndian.PutUint32(frame[4:8], 100)
	_, _, err := readFrame(bytes.NewReader(frame))
	assert.Error(t, err)

	binary.LittleEndian.PutUint32(frame[0:4], MaxFrameSize+1)
	_, _, err = readFrame(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestDecodeRecordsRejectsTrailingBytes(t *testing.T) {
	body, err := encodeRecords([]Record{{Data: hash.New("n", int32(1))}})
	require.NoError(t, err)
	_, err = decodeRecords(append(body, 0), 1, nil)
	assert.Error(t, err)
	_, err = decodeRecords(body, 2, nil)
	assert.Error(t, err)
}

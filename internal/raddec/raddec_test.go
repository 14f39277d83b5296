package raddec

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfidgw/internal/model"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

var readAt = time.Date(2024, 5, 17, 21, 49, 48, 170000000, time.UTC)

func TestTransmitterType(t *testing.T) {
	assert.Equal(t, TransmitterTypeEPC96, TransmitterType("e2801160600002064c5a3f21"))
	assert.Equal(t, TransmitterTypeTID96, TransmitterType("e2801160600002064c5a3f21e2801160"))
	assert.Equal(t, TransmitterTypeUnknown, TransmitterType("e200"))
	assert.Equal(t, TransmitterTypeUnknown, TransmitterType(""))

	// length is counted in characters, not bytes
	accented := "e280116060000206" + "4c5a3fé1"
	assert.Equal(t, 25, len(accented))
	assert.Equal(t, TransmitterTypeEPC96, TransmitterType(accented))
}

func TestTransmitterID_Normalizes(t *testing.T) {
	assert.Equal(t, "e2801160600002064c5a3f21", TransmitterID("E280-1160-6000-0206-4C5A-3F21"))
	assert.Equal(t, "ab12", TransmitterID(" AB:12 "))
}

func TestReceiverID(t *testing.T) {
	id, ok := ReceiverID("00:16:25:12:34:56")
	require.True(t, ok)
	assert.Equal(t, "001625123456", id)

	sum := md5.Sum([]byte("reader-01"))
	id, ok = ReceiverID("reader-01")
	require.True(t, ok)
	assert.Equal(t, hex.EncodeToString(sum[:])[:12], id)
	assert.Len(t, id, 12)

	_, ok = ReceiverID("")
	assert.False(t, ok)
}

func TestBuild_Full(t *testing.T) {
	ev := model.TagEvent{
		TagID:       "E2801160600002064C5A3F21",
		ReadTime:    readAt,
		Reader:      "reader-01",
		AntennaPort: intp(1),
		RSSI:        floatp(-35.5),
	}
	r, ok := Build(ev)
	require.True(t, ok)
	assert.Equal(t, "e2801160600002064c5a3f21", r.TransmitterID)
	assert.Equal(t, TransmitterTypeEPC96, r.TransmitterIDType)
	assert.Equal(t, readAt.UnixMilli(), r.Timestamp)

	require.Len(t, r.RSSISignature, 1)
	sig := r.RSSISignature[0]
	assert.Equal(t, -36, sig.RSSI)
	assert.Equal(t, ReceiverTypeEUI48, sig.ReceiverIDType)
	assert.Equal(t, 1, sig.NumberOfDecodings)
	require.NotNil(t, sig.ReceiverAntenna)
	assert.Equal(t, 1, *sig.ReceiverAntenna)

	require.Len(t, r.Receivers, 1)
	assert.Equal(t, 1, r.Receivers[0].Antenna)
	assert.Equal(t, sig.ReceiverID, r.Receivers[0].ReceiverID)
}

func TestBuild_RoundsHalfToEven(t *testing.T) {
	for in, want := range map[float64]int{-35.5: -36, -40.5: -40, -40.0: -40, -40.4: -40, -40.6: -41} {
		r, ok := Build(model.TagEvent{TagID: "A1", ReadTime: readAt, Reader: "r", RSSI: floatp(in)})
		require.True(t, ok)
		require.Len(t, r.RSSISignature, 1)
		assert.Equal(t, want, r.RSSISignature[0].RSSI, "rssi %v", in)
	}
}

func TestBuild_OptionalSections(t *testing.T) {
	// no reader: neither section
	r, ok := Build(model.TagEvent{TagID: "A1", ReadTime: readAt, AntennaPort: intp(1), RSSI: floatp(-50)})
	require.True(t, ok)
	assert.Nil(t, r.RSSISignature)
	assert.Nil(t, r.Receivers)

	// reader + rssi, no antenna: signature with null antenna, no receivers
	r, ok = Build(model.TagEvent{TagID: "A1", ReadTime: readAt, Reader: "r", RSSI: floatp(-50)})
	require.True(t, ok)
	require.Len(t, r.RSSISignature, 1)
	assert.Nil(t, r.RSSISignature[0].ReceiverAntenna)
	assert.Nil(t, r.Receivers)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"receiverAntenna":null`)
	assert.NotContains(t, string(b), `"receivers"`)

	// reader + antenna, no rssi: receivers only
	r, ok = Build(model.TagEvent{TagID: "A1", ReadTime: readAt, Reader: "r", AntennaPort: intp(0)})
	require.True(t, ok)
	assert.Nil(t, r.RSSISignature)
	require.Len(t, r.Receivers, 1)
	assert.Equal(t, 0, r.Receivers[0].Antenna)
}

func TestBuild_Rejects(t *testing.T) {
	_, ok := Build(model.TagEvent{TagID: "", ReadTime: readAt})
	assert.False(t, ok)
	_, ok = Build(model.TagEvent{TagID: "A1"})
	assert.False(t, ok)
	_, ok = Build(model.TagEvent{TagID: "--::--", ReadTime: readAt})
	assert.False(t, ok)
}

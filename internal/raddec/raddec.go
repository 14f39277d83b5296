// Package raddec maps canonical tag events onto the raddec interchange schema.
package raddec

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"rfidgw/internal/model"
)

// Transmitter and receiver identifier types.
const (
	TransmitterTypeUnknown = 0
	TransmitterTypeEPC96   = 5
	TransmitterTypeTID96   = 7
	ReceiverTypeEUI48      = 2
)

const receiverIDLength = 12

// Raddec is a single radio decoding of a tag by a reader.
type Raddec struct {
	TransmitterID     string          `json:"transmitterId"`
	TransmitterIDType int             `json:"transmitterIdType"`
	Timestamp         int64           `json:"timestamp"`
	RSSISignature     []RSSISignature `json:"rssiSignature,omitempty"`
	Receivers         []Receiver      `json:"receivers,omitempty"`
}

type RSSISignature struct {
	ReceiverID        string `json:"receiverId"`
	ReceiverIDType    int    `json:"receiverIdType"`
	ReceiverAntenna   *int   `json:"receiverAntenna"`
	RSSI              int    `json:"rssi"`
	NumberOfDecodings int    `json:"numberOfDecodings"`
}

type Receiver struct {
	ReceiverID     string `json:"receiverId"`
	ReceiverIDType int    `json:"receiverIdType"`
	Antenna        int    `json:"antenna"`
}

// Build derives a raddec from ev. It reports false when the event has no tag,
// no read time, or a tag without any alphanumeric characters.
func Build(ev model.TagEvent) (Raddec, bool) {
	tag := strings.TrimSpace(ev.TagID)
	if tag == "" || ev.ReadTime.IsZero() {
		return Raddec{}, false
	}
	txID := TransmitterID(tag)
	if txID == "" {
		return Raddec{}, false
	}
	r := Raddec{
		TransmitterID:     txID,
		TransmitterIDType: TransmitterType(txID),
		Timestamp:         ev.ReadTime.UnixMilli(),
	}

	rxID, ok := ReceiverID(ev.Reader)
	if !ok {
		return r, true
	}
	if ev.RSSI != nil {
		r.RSSISignature = []RSSISignature{{
			ReceiverID:        rxID,
			ReceiverIDType:    ReceiverTypeEUI48,
			ReceiverAntenna:   ev.AntennaPort,
			RSSI:              int(math.RoundToEven(*ev.RSSI)),
			NumberOfDecodings: 1,
		}}
	}
	if ev.AntennaPort != nil {
		r.Receivers = []Receiver{{
			ReceiverID:     rxID,
			ReceiverIDType: ReceiverTypeEUI48,
			Antenna:        *ev.AntennaPort,
		}}
	}
	return r, true
}

// TransmitterID keeps the letters and digits of tag, lowercased.
func TransmitterID(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// TransmitterType infers the identifier type from its length.
func TransmitterType(txID string) int {
	switch utf8.RuneCountInString(txID) {
	case 24:
		return TransmitterTypeEPC96
	case 32:
		return TransmitterTypeTID96
	default:
		return TransmitterTypeUnknown
	}
}

// ReceiverID turns a reader name into a 12 hex character pseudo MAC. Readers
// already named by a MAC keep it; anything else is hashed.
func ReceiverID(reader string) (string, bool) {
	if reader == "" {
		return "", false
	}
	var b strings.Builder
	for _, r := range strings.ToLower(reader) {
		if strings.ContainsRune("0123456789abcdef", r) {
			b.WriteRune(r)
		}
	}
	if hexOnly := b.String(); len(hexOnly) >= receiverIDLength {
		return hexOnly[:receiverIDLength], true
	}
	sum := md5.Sum([]byte(reader))
	return hex.EncodeToString(sum[:])[:receiverIDLength], true
}

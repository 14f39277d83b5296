package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// EventIDLength is the number of hex characters kept from the event hash.
const EventIDLength = 16

// TagEvent is the canonical, persisted record of one tag read.
type TagEvent struct {
	ID          string          `json:"id"`
	TagID       string          `json:"tagId"`
	ReadTime    time.Time       `json:"readTime"`
	Reader      string          `json:"reader,omitempty"`
	AntennaPort *int            `json:"antennaPort,omitempty"`
	RSSI        *float64        `json:"rssi,omitempty"`
	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
	Inventory   *InventoryRef   `json:"inventory,omitempty"`
	Raddec      json.RawMessage `json:"raddec,omitempty"`
	IngestedAt  time.Time       `json:"ingestedAt"`
}

// InventoryRef links a tag event to the serial number or asset carrying the tag.
type InventoryRef struct {
	ItemID   string `json:"itemId"`
	ItemCode string `json:"itemCode"`
	Source   string `json:"source"` // serial_no|asset
}

// DeliveryMeta travels with every raddec handed to webhook subscribers.
type DeliveryMeta struct {
	DocName string `json:"docname"`
	Reader  string `json:"reader,omitempty"`
	RFID    string `json:"rfid"`
	Source  string `json:"source"`
}

// EventID derives the dedup key for a (tag, read time) pair.
// The tag is compared case-insensitively and the time in UTC.
func EventID(tagID string, readTime time.Time) string {
	key := strings.ToUpper(strings.TrimSpace(tagID)) + "-" + readTime.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:EventIDLength]
}

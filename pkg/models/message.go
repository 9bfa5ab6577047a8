package models

import (
	"fmt"
	"strconv"
)

// Envelope represents a message waiting for delivery to one device
type Envelope struct {
	ServerGUID      string       `json:"server_guid"`
	Type            EnvelopeType `json:"type"`
	Source          string       `json:"source,omitempty"`
	SourceUUID      string       `json:"source_uuid,omitempty"`
	SourceDevice    uint32       `json:"source_device,omitempty"`
	DestinationUUID string       `json:"destination_uuid,omitempty"`
	Relay           string       `json:"relay,omitempty"`
	Timestamp       int64        `json:"timestamp"`
	ServerTimestamp int64        `json:"server_timestamp"`
	LegacyMessage   []byte       `json:"legacy_message,omitempty"`
	Content         []byte       `json:"content,omitempty"`
}

type EnvelopeType int

const (
	EnvelopeTypeUnknown EnvelopeType = iota
	EnvelopeTypeCiphertext
	EnvelopeTypeKeyExchange
	EnvelopeTypePrekeyBundle
	EnvelopeTypeReceipt
	EnvelopeTypeUnidentifiedSender
)

// WebsocketAddress identifies the live connection of one device
type WebsocketAddress struct {
	Number   string
	DeviceID int64
}

func (a WebsocketAddress) Serialize() string {
	return a.Number + ":" + strconv.FormatInt(a.DeviceID, 10)
}

func (a WebsocketAddress) String() string {
	return a.Serialize()
}

type PubSubType string

const (
	PubSubTypeUnknown   PubSubType = "UNKNOWN"
	PubSubTypeQueryDB   PubSubType = "QUERY_DB"
	PubSubTypeDeliver   PubSubType = "DELIVER"
	PubSubTypeKeepalive PubSubType = "KEEPALIVE"
	PubSubTypeClosed    PubSubType = "CLOSE"
	PubSubTypeConnected PubSubType = "CONNECTED"
)

// PubSubMessage is the signal published on a device's live channel
type PubSubMessage struct {
	Type    PubSubType `json:"type"`
	Content []byte     `json:"content,omitempty"`
}

// PushNotification is handed to the push gateway to wake a device
type PushNotification struct {
	ID          string `json:"id"`
	AccountUUID string `json:"account_uuid"`
	Number      string `json:"number"`
	DeviceID    int64  `json:"device_id"`
	Platform    string `json:"platform"`
	Token       string `json:"token"`
	Kind        string `json:"kind"`
	CreatedAt   int64  `json:"created_at"`
}

const (
	PushPlatformGCM = "gcm"
	PushPlatformAPN = "apn"

	PushKindQueued = "queued"
)

// MessageHeader constants
const (
	HeaderMessageID     = "message-id"
	HeaderNotification  = "notification-kind"
	HeaderPlatform      = "platform"
	HeaderFailureReason = "failure-reason"
)

func (n PushNotification) Key() string {
	return fmt.Sprintf("%s:%d", n.Number, n.DeviceID)
}

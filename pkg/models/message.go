package models

import "time"

// MessageDescriptor is the public metadata anchored for one message. It holds
// storage addresses and the integrity digest, never key material.
type MessageDescriptor struct {
	ID              string    `json:"id,omitempty" cbor:"1,keyasint,omitempty"`
	KeyAddress      string    `json:"key_address" cbor:"2,keyasint"`
	MediaAddress    string    `json:"media_address" cbor:"3,keyasint"`
	Digest          string    `json:"digest" cbor:"4,keyasint"`
	UnlockAt        time.Time `json:"unlock_at" cbor:"5,keyasint"`
	Sender          string    `json:"sender" cbor:"6,keyasint"`
	Recipient       string    `json:"recipient" cbor:"7,keyasint"`
	CreatedAt       time.Time `json:"created_at" cbor:"8,keyasint"`
	MimeType        string    `json:"mime_type,omitempty" cbor:"9,keyasint,omitempty"`
	Name            string    `json:"name,omitempty" cbor:"10,keyasint,omitempty"`
	Size            int64     `json:"size" cbor:"11,keyasint"`
	KeyMode         string    `json:"key_mode" cbor:"12,keyasint"`
	AnchorReference string    `json:"anchor_reference,omitempty" cbor:"13,keyasint,omitempty"`
}

// Anchor is what the ledger returns for a submitted descriptor.
type Anchor struct {
	MessageID       string `json:"message_id"`
	AnchorReference string `json:"anchor_reference"`
}

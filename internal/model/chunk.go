package model

import "fmt"

// A Chunk is one accepted part of a transfer. The set of chunks for a
// fingerprint is the ledger proving which parts the backend stored, each
// carrying the backend's acknowledgment token needed at merge time.
type Chunk struct {
	Base `json:",inline" storm:"inline"`

	// Ref enforces at most one record per (fingerprint, index).
	Ref string `json:"ref" storm:"unique"`

	Fingerprint string `json:"fingerprint" storm:"index"`
	Index       int    `json:"index"`
	ContentHash string `json:"content_hash"`
	AckToken    string `json:"ack_token"`
}

// ChunkRef builds the composite uniqueness key of a chunk record.
func ChunkRef(fingerprint string, index int) string {
	return fmt.Sprintf("%s:%d", fingerprint, index)
}

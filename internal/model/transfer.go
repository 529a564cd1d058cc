package model

import "time"

// A Transfer tracks one logical file upload across resume attempts.
// Its fingerprint derives from the file's name, size and modification time
// and is the sole lookup key: identical metadata resumes the transfer, any
// difference starts a fresh one.
type Transfer struct {
	Base `json:",inline" storm:"inline"`

	Fingerprint  string `json:"fingerprint" storm:"unique"`
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`

	// TotalChunks is zero until the client declares it.
	TotalChunks int `json:"total_chunks"`

	// SessionHandle is the backend multipart session identifier. Opaque,
	// and replaced in place when the backend expires it mid-transfer.
	SessionHandle string `json:"session_handle"`

	ObjectKey      string     `json:"object_key"`
	UploadedChunks int        `json:"uploaded_chunks"`
	Finalized      bool       `json:"finalized"`
	FinalizedAt    *time.Time `json:"finalized_at"`
}

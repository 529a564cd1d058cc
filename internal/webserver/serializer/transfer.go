package serializer

import (
	"github.com/chunkstream/chunkstream/internal/model"
)

// Transfers returns the serialized form of the given models.
func Transfers(transfers []*model.Transfer) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(transfers))

	for _, transfer := range transfers {
		sl = append(sl, Transfer(transfer))
	}

	return sl
}

// Transfer returns the serialized form of the given model.
func Transfer(transfer *model.Transfer) map[string]interface{} {
	return map[string]interface{}{
		"id":              transfer.ID,
		"filename":        transfer.Filename,
		"fingerprint":     transfer.Fingerprint,
		"size":            transfer.Size,
		"total_chunks":    transfer.TotalChunks,
		"uploaded_chunks": transfer.UploadedChunks,
		"finalized":       transfer.Finalized,
		"finalized_at":    transfer.FinalizedAt,
		"created_at":      transfer.CreatedAt,
	}
}

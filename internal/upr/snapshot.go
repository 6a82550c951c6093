package upr

import (
	"context"

	"upremu/internal/domain"
	"upremu/internal/storage"
)

// sendSnapshot writes every mutation of the accepted range followed by the
// snapshot marker and the stream end, then flushes. It returns the number of
// mutation and deletion messages written.
func sendSnapshot(ctx context.Context, conn *connection, part storage.Partition, req domain.StreamRequest) (int, error) {
	recs, err := part.Mutations(ctx, req.StartSeq, req.EndSeq)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		p := Mutation(req.PartitionID, req.RequestID, rec)
		if rec.Deleted {
			p = Deletion(req.PartitionID, req.RequestID, rec)
		}
		if err := WritePacket(conn.w, p); err != nil {
			return 0, err
		}
	}
	if err := conn.send(
		SnapshotMarker(req.PartitionID, req.RequestID),
		StreamEnd(req.PartitionID, req.RequestID),
	); err != nil {
		return 0, err
	}
	return len(recs), nil
}

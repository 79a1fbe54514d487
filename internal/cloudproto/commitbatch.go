package cloudproto

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/ledger/internal/ledgererr"
)

// CommitRecord is one commit as it travels over the document channel: the
// commit id and its encoded content, every B-tree/value object that was
// new as of this commit (small objects only — see Non-goals), and its
// position within the server-assigned batch that produced it.
type CommitRecord struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Objects       map[string]string `json:"objects,omitempty"`
	Timestamp     int64             `json:"-"`
	BatchPosition int               `json:"batch_position"`
	BatchSize     int               `json:"batch_size"`
}

// wireCommit is the JSON shape actually written to the document channel.
// Timestamp is a server-assigned placeholder on encode (the document
// service substitutes its own clock on write) and a plain number on
// decode once the server has filled it in.
type wireCommit struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Objects       map[string]string `json:"objects,omitempty"`
	Timestamp     json.RawMessage   `json:"timestamp"`
	BatchPosition int               `json:"batch_position"`
	BatchSize     int               `json:"batch_size"`
}

// serverTimestampPlaceholder mirrors Firebase's own ".sv" server-value
// directive: the document service is expected to replace this object with
// its own millisecond (or microsecond) clock reading on write.
var serverTimestampPlaceholder = json.RawMessage(`{".sv":"timestamp"}`)

// EncodeCommitBatch serializes commits as a single JSON object keyed by
// encoded commit id, each entry stamped with its position in the batch so
// a watcher can reassemble ingestion order even if entries arrive out of
// sequence.
func EncodeCommitBatch(commits []CommitRecord) ([]byte, error) {
	out := make(map[string]wireCommit, len(commits))
	for i, c := range commits {
		out[EncodeValue([]byte(c.ID))] = wireCommit{
			ID:            c.ID,
			Content:       c.Content,
			Objects:       c.Objects,
			Timestamp:     serverTimestampPlaceholder,
			BatchPosition: i,
			BatchSize:     len(commits),
		}
	}
	return json.Marshal(out)
}

// DecodeCommitBatch parses a JSON object of commits as emitted by the
// document service's watch channel (with real server timestamps filled
// in) and returns them sorted by (timestamp, batch_position), the order
// the sync engine is required to ingest them in.
func DecodeCommitBatch(data []byte) ([]CommitRecord, error) {
	var wire map[string]wireCommit
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: decode commit batch: %v", ledgererr.DataIntegrity, err)
	}

	records := make([]CommitRecord, 0, len(wire))
	for _, w := range wire {
		var ts int64
		if err := json.Unmarshal(w.Timestamp, &ts); err != nil {
			return nil, fmt.Errorf("%w: decode commit timestamp: %v", ledgererr.DataIntegrity, err)
		}
		records = append(records, CommitRecord{
			ID:            w.ID,
			Content:       w.Content,
			Objects:       w.Objects,
			Timestamp:     ts,
			BatchPosition: w.BatchPosition,
			BatchSize:     w.BatchSize,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp < records[j].Timestamp
		}
		return records[i].BatchPosition < records[j].BatchPosition
	})

	return records, nil
}

package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CollectionStats tracks the progress of copying a single collection.
type CollectionStats struct {
	Namespace       string
	DocumentsToCopy int64
	DocumentsCopied int64
	ReceivedBatches int
	Start           time.Time
	End             time.Time
}

// DatabaseStats tracks the progress of cloning a single database.
type DatabaseStats struct {
	DBName            string
	Collections       int
	ClonedCollections int
	Start             time.Time
	End               time.Time
	CollectionStats   []CollectionStats
}

// DocumentsCopied returns the number of documents copied across all collections.
func (s DatabaseStats) DocumentsCopied() int64 {
	var total int64
	for _, c := range s.CollectionStats {
		total += c.DocumentsCopied
	}
	return total
}

// Copy returns a deep copy so the caller can read it without holding any lock.
func (s DatabaseStats) Copy() DatabaseStats {
	out := s
	if s.CollectionStats != nil {
		out.CollectionStats = make([]CollectionStats, len(s.CollectionStats))
		copy(out.CollectionStats, s.CollectionStats)
	}
	return out
}

// ToDocument renders the stats as an ordered document. The database name is
// not included; callers key the document by it.
func (s DatabaseStats) ToDocument() bson.D {
	doc := bson.D{
		{Key: "collections", Value: int64(s.Collections)},
		{Key: "clonedCollections", Value: int64(s.ClonedCollections)},
	}
	if !s.Start.IsZero() {
		doc = append(doc, bson.E{Key: "start", Value: s.Start})
	}
	if !s.End.IsZero() {
		doc = append(doc, bson.E{Key: "end", Value: s.End})
		doc = append(doc, bson.E{Key: "elapsedMillis", Value: s.End.Sub(s.Start).Milliseconds()})
	}
	for _, c := range s.CollectionStats {
		doc = append(doc, bson.E{Key: c.Namespace, Value: c.ToDocument()})
	}
	return doc
}

func (c CollectionStats) ToDocument() bson.D {
	doc := bson.D{
		{Key: "documentsToCopy", Value: c.DocumentsToCopy},
		{Key: "documentsCopied", Value: c.DocumentsCopied},
		{Key: "receivedBatches", Value: int64(c.ReceivedBatches)},
	}
	if !c.Start.IsZero() {
		doc = append(doc, bson.E{Key: "start", Value: c.Start})
	}
	if !c.End.IsZero() {
		doc = append(doc, bson.E{Key: "end", Value: c.End})
	}
	return doc
}

package domain

// Batch is one flush of buffered events for a single topic.
type Batch struct {
	Topic TopicKey
	// Seq increases by one with every batch delivered for Topic.
	Seq uint64

	// RowChanges holds inserts, updates and soft deletes in arrival order.
	RowChanges   []Envelope
	Reactions    []Envelope
	ReadReceipts []Envelope
	// Presence holds the latest presence envelope per user, ordered by arrival.
	Presence []Envelope

	// Typing is the active typing set; only meaningful when TypingChanged.
	Typing        []string
	TypingChanged bool
}

// IsEmpty reports whether the batch has nothing to deliver.
func (b Batch) IsEmpty() bool {
	return len(b.RowChanges) == 0 &&
		len(b.Reactions) == 0 &&
		len(b.ReadReceipts) == 0 &&
		len(b.Presence) == 0 &&
		!b.TypingChanged
}

// Len returns the number of envelopes carried by the batch.
func (b Batch) Len() int {
	return len(b.RowChanges) + len(b.Reactions) + len(b.ReadReceipts) + len(b.Presence)
}

package models

import "time"

// RawFrame wraps one websocket frame received from any exchange after a
// successful subscribe.
type RawFrame struct {
	Exchange string
	// Instrument is the caller's instrument key, empty when the frame could not
	// be traced to a subscription.
	Instrument string
	Key        string
	Data       []byte
	// Buffered marks frames that arrived during validation and were replayed.
	Buffered  bool
	Session   string
	Sequence  int64
	Timestamp time.Time
}

// FrameBatch is a group of frames from one exchange flushed together.
type FrameBatch struct {
	BatchID     string     `json:"batch_id"`
	Exchange    string     `json:"exchange"`
	Frames      []RawFrame `json:"frames"`
	RecordCount int        `json:"record_count"`
	Timestamp   time.Time  `json:"timestamp"`
}

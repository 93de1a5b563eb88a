package store

// Message is a persisted direct message. ID and Timestamp (unix ms) are
// assigned by the store. ClientKey is the sender-supplied idempotency key;
// empty when the client did not send one.
type Message struct {
	ID         int64
	SenderID   string
	ReceiverID string
	Content    string
	Timestamp  int64
	Read       bool
	ClientKey  string
}

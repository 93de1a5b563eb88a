package wire

// Server to client events.
const (
	EventReceiveMessage         = "ReceiveMessage"
	EventReceiveTypingIndicator = "ReceiveTypingIndicator"
	EventUserStatusChanged      = "UserStatusChanged"
	EventMessagesRead           = "MessagesRead"
)

// Client to server invocations.
const (
	InvokeSendMessage         = "SendMessage"
	InvokeSendTypingIndicator = "SendTypingIndicator"
	InvokeUpdateStatus        = "UpdateStatus"
	InvokeMarkMessagesAsRead  = "MarkMessagesAsRead"
)

// ReceiveMessage is pushed to every live connection of the recipient.
// MessageID, Timestamp and ClientKey let the receiving side deduplicate and
// reconcile optimistic entries exactly.
type ReceiveMessage struct {
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	MessageID int64  `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	ClientKey string `json:"clientKey,omitempty"`
}

type ReceiveTypingIndicator struct {
	SenderID string `json:"senderId"`
}

type UserStatusChanged struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type MessagesRead struct {
	ReaderID string `json:"readerId"`
}

type SendMessageArgs struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientKey  string `json:"clientKey,omitempty"`
}

// SendMessageResult acknowledges a persisted message.
type SendMessageResult struct {
	MessageID int64  `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	ClientKey string `json:"clientKey,omitempty"`
	Delivery  string `json:"delivery"`
	Pushed    int    `json:"pushed"`
}

type SendTypingIndicatorArgs struct {
	RecipientID string `json:"recipientId"`
}

type UpdateStatusArgs struct {
	Status string `json:"status"`
}

type MarkMessagesAsReadArgs struct {
	SenderID string `json:"senderId"`
}

type MarkMessagesAsReadResult struct {
	Updated bool `json:"updated"`
}

// Message is a persisted message as served by the history endpoint.
type Message struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Read       bool   `json:"read"`
	ClientKey  string `json:"clientKey,omitempty"`
}

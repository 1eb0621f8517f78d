package models

// Sender identifies the author of a message.
type Sender struct {
	ID   int64  `json:"senderId"`
	Name string `json:"senderName"`
}

// Attachment references a server-stored file tied to a message.
type Attachment struct {
	Name string `json:"attachmentName,omitempty"`
	Kind string `json:"attachmentType,omitempty"`
}

// Message is one chat message as returned by the backend.
//
// FromCurrentUser is never read from the wire; it is derived from the sender
// and the session subject.
type Message struct {
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	SentAt      Timestamp `json:"sentAt"`
	ReceiverID  *int64    `json:"receiverId,omitempty"`
	GroupChatID *int64    `json:"groupChatId,omitempty"`

	Sender
	Attachment

	FromCurrentUser bool `json:"-"`
}

// HasAttachment reports whether the message carries a file.
func (m Message) HasAttachment() bool {
	return m.Attachment.Name != ""
}

// EditMessageRequest is the JSON body of PUT /api/Message/{id}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// SendAck is the server acknowledgement of a send request.
type SendAck struct {
	MessageID int64  `json:"messageId,omitempty"`
	Message   string `json:"message,omitempty"`
}

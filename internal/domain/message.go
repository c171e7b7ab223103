package domain

import "time"

// InboundMessage is a chat message received by the session.
type InboundMessage struct {
	SenderID  string
	Body      string
	IsGroup   bool
	Timestamp time.Time
}

// OutboundRequest is a message the backend wants delivered to a contact.
type OutboundRequest struct {
	Destination string
	Text        string
}

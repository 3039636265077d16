// Package messaging defines the broker abstraction threatmatch publishes results through.
package messaging

import (
	"context"
	"time"
)

// Message is a payload plus headers bound for a subject.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to subject, fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message including its headers.
	PublishMsg(ctx context.Context, msg *Message) error

	IsConnected() bool
	Close() error
}

// Package notify emails a run summary when a run ends.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/specrun/internal/obs"
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ResendSender sends through the Resend API.
type ResendSender struct {
	client      *resend.Client
	fromAddress string
}

// NewResendSender creates a sender. fromAddress must be verified in Resend.
func NewResendSender(apiKey, fromAddress string) *ResendSender {
	return &ResendSender{
		client:      resend.NewClient(apiKey),
		fromAddress: fromAddress,
	}
}

// Send sends msg via Resend.
func (r *ResendSender) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := r.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}

// MockSender captures messages instead of sending them.
type MockSender struct {
	mu       sync.Mutex
	Messages []Message
	// Err, when set, is returned by every Send.
	Err error
}

// NewMockSender creates an empty mock sender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send records msg.
func (m *MockSender) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msg)
	obs.From(ctx).With("pkg", "notify").Info("mock_email", "to", msg.To, "subject", msg.Subject)
	return nil
}

// LastMessage returns the most recent message, or the zero value.
func (m *MockSender) LastMessage() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return Message{}
	}
	return m.Messages[len(m.Messages)-1]
}

// Count returns the number of captured messages.
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

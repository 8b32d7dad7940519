package email

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"SendHive/internal/dispatch"
)

// Sender sends campaign batches over SMTP. One dial per batch, one
// message per recipient on the open connection; a dial or mid-batch
// send error fails the batch as a unit.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SendBatch implements dispatch.Transport. gomail has no context
// support, so the dial-and-send runs in a goroutine and the caller's
// deadline is honored by abandoning the attempt; the coordinator then
// records the batch as failed.
func (s *Sender) SendBatch(ctx context.Context, addresses []string, subject, htmlContent, from, replyTo string) (dispatch.BatchResult, error) {
	batchID := uuid.New().String()

	done := make(chan error, 1)
	go func() {
		done <- s.deliver(addresses, subject, htmlContent, from, replyTo, batchID)
	}()

	select {
	case <-ctx.Done():
		return dispatch.BatchResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return dispatch.BatchResult{}, err
		}
		return dispatch.BatchResult{ProviderMessageID: batchID}, nil
	}
}

func (s *Sender) deliver(addresses []string, subject, htmlContent, from, replyTo, batchID string) error {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	sc, err := d.Dial()
	if err != nil {
		return fmt.Errorf("smtp dial error: %w", err)
	}
	defer sc.Close()

	m := gomail.NewMessage()
	for _, addr := range addresses {
		m.Reset()
		m.SetHeader("From", from)
		m.SetHeader("To", addr)
		if replyTo != "" {
			m.SetHeader("Reply-To", replyTo)
		}
		m.SetHeader("Subject", subject)
		m.SetHeader("X-Batch-ID", batchID)
		m.SetBody("text/html", htmlContent)

		if err := gomail.Send(sc, m); err != nil {
			return fmt.Errorf("smtp send error for %s: %w", addr, err)
		}
	}
	return nil
}

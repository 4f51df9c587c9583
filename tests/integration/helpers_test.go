//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signupdesk/mailroom/internal/mailqueue"
	"github.com/signupdesk/mailroom/internal/testutil"
)

// cleanTables wipes the mail tables so each test starts from an empty queue.
func cleanTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.Exec(ctx, `TRUNCATE email_queue, email_campaigns, registrations`)
	require.NoError(t, err)
}

// seedRegistrations inserts count confirmed registrations of the given type
// and returns their email addresses.
func seedRegistrations(t *testing.T, count int, registrationType string) []string {
	t.Helper()
	ctx := context.Background()

	emails := make([]string, 0, count)
	for i := 0; i < count; i++ {
		email := fmt.Sprintf("%s-%d@example.com", registrationType, i)
		_, err := testDB.Exec(ctx, `
			INSERT INTO registrations (email, contact_name, registration_type, status)
			VALUES ($1, $2, $3, 'confirmed')
		`, email, fmt.Sprintf("Recipient %d", i), registrationType)
		require.NoError(t, err)
		emails = append(emails, email)
	}
	return emails
}

// enqueueTestEmail creates a pending entry through the API and returns its ID.
func enqueueTestEmail(t *testing.T, recipient string) string {
	t.Helper()

	resp, err := testClient.POST("/api/v1/queue", map[string]interface{}{
		"recipient_email": recipient,
		"subject":         "Test subject",
		"body":            "<p>Test body</p>",
		"email_type":      "admin_notification",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data mailqueue.Entry `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.ID)
	return result.Data.ID
}

// recordingTransport counts sends and fails selected recipients.
type recordingTransport struct {
	mu       sync.Mutex
	sent     []mailqueue.Message
	failWith map[string]error // keyed by recipient email
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{failWith: make(map[string]error)}
}

func (m *recordingTransport) Send(_ context.Context, msg mailqueue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failWith[msg.ToEmail]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

func (n *Notifier) sendSlack(ctx context.Context, url string, nt Notification) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s: %s", severityLabel(nt.Severity), nt.Title, nt.Message),
	})
	return n.post(ctx, url, "", body)
}

func (n *Notifier) sendTeams(ctx context.Context, url string, nt Notification) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(nt.Severity),
		"summary":    nt.Title,
		"title":      nt.Title,
		"text":       nt.Message,
	}
	body, _ := json.Marshal(payload)
	return n.post(ctx, url, "", body)
}

func (n *Notifier) sendHTTP(ctx context.Context, url string, nt Notification, state string) error {
	body, _ := json.Marshal(map[string]interface{}{"notification": nt, "state": state})
	return n.post(ctx, url, "", body)
}

// haCreate raises a Home Assistant persistent notification. base is the
// Home Assistant API root, e.g. http://supervisor/core.
func (n *Notifier) haCreate(ctx context.Context, base, token string, nt Notification) error {
	body, _ := json.Marshal(map[string]string{
		"title":           nt.Title,
		"message":         nt.Message,
		"notification_id": nt.ID,
	})
	return n.post(ctx, haService(base, "create"), token, body)
}

func (n *Notifier) haDismiss(ctx context.Context, base, token, id string) error {
	body, _ := json.Marshal(map[string]string{"notification_id": id})
	return n.post(ctx, haService(base, "dismiss"), token, body)
}

func haService(base, action string) string {
	return strings.TrimSuffix(base, "/") + "/api/services/persistent_notification/" + action
}

func (n *Notifier) post(ctx context.Context, url, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &HTTPError{Target: req.URL.Host, StatusCode: resp.StatusCode}
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case SeverityCritical:
		return "[CRITICAL]"
	case SeverityWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case SeverityCritical:
		return "FF4F6A"
	case SeverityWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

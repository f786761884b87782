package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"veranda/internal/models"
)

// WebPushDirectory delivers alerts as web-push notifications. Browsers
// register their Push API subscriptions per principal; principals without
// one are silently skipped.
type WebPushDirectory struct {
	mu      sync.RWMutex
	subs    map[string]*webpush.Subscription
	options *webpush.Options
}

func NewWebPushDirectory(vapidPublicKey, vapidPrivateKey, contact string) *WebPushDirectory {
	return &WebPushDirectory{
		subs: make(map[string]*webpush.Subscription),
		options: &webpush.Options{
			Subscriber:      contact,
			VAPIDPublicKey:  vapidPublicKey,
			VAPIDPrivateKey: vapidPrivateKey,
			TTL:             30,
		},
	}
}

// Subscribe stores the subscription JSON blob the browser's Push API hands
// out, replacing any previous one for the principal.
func (d *WebPushDirectory) Subscribe(principalID string, subscriptionJSON []byte) error {
	sub := &webpush.Subscription{}
	if err := json.Unmarshal(subscriptionJSON, sub); err != nil {
		return fmt.Errorf("invalid push subscription: %w", err)
	}

	d.mu.Lock()
	d.subs[principalID] = sub
	d.mu.Unlock()
	return nil
}

func (d *WebPushDirectory) Unsubscribe(principalID string) {
	d.mu.Lock()
	delete(d.subs, principalID)
	d.mu.Unlock()
}

func (d *WebPushDirectory) Alert(principalID string, msg models.Message) error {
	d.mu.RLock()
	sub := d.subs[principalID]
	d.mu.RUnlock()
	if sub == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"threadId": msg.ThreadID,
		"authorId": msg.AuthorID,
		"kind":     string(msg.Content.Kind),
	})
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotification(payload, sub, d.options)
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	defer resp.Body.Close()

	// The push service reports dead subscriptions; drop them so the next
	// alert does not retry a gone endpoint.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		d.Unsubscribe(principalID)
	}
	return nil
}

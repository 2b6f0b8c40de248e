package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Request timeouts per target shape. Automation platforms respond fast or not
// at all; holding a slot for 10s on them just backs up the worker.
const (
	automationTimeout = 5 * time.Second
	defaultTimeout    = 10 * time.Second
)

// isAutomationPlatform detects well-known workflow-automation targets by URL
// marker. These receive the flattened payload shape their trigger nodes
// expect.
func isAutomationPlatform(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "n8n") || strings.Contains(lower, "nodemation")
}

// adaptPayload shapes the stored event JSON for the target. Automation
// platforms get a fully flat object: the nested interactive_reply block is
// hoisted into reply_* top-level fields and null-valued keys are dropped,
// because their field-mapping UIs choke on nested nulls. Everyone else gets
// the event verbatim.
func adaptPayload(url string, payload []byte) ([]byte, time.Duration) {
	if !isAutomationPlatform(url) {
		return payload, defaultTimeout
	}

	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return payload, automationTimeout
	}

	if reply, ok := event["interactive_reply"].(map[string]any); ok {
		for field, value := range reply {
			event["reply_"+field] = value
		}
	}
	delete(event, "interactive_reply")
	for key, value := range event {
		if value == nil {
			delete(event, key)
		}
	}

	flat, err := json.Marshal(event)
	if err != nil {
		return payload, automationTimeout
	}
	return flat, automationTimeout
}

// signBody computes the hex HMAC-SHA256 of the body under the subscription
// secret, sent on explicit test deliveries for subscriber-side verification.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

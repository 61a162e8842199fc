package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// EmailNotifier sends transactional emails for selected topics. It implements
// the events.Notifier interface.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

// Notify sends an email when the event payload names a recipient.
func (n EmailNotifier) Notify(_ context.Context, event store.DomainEvent) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	subject := subjectFor(event.Topic)
	body := bodyFor(event.Topic, payload, event.OccurredAt)
	return n.Mail.Send(to, subject, body)
}

func extractRecipient(payload map[string]any) string {
	keys := []string{"email", "recipient", "signerEmail", "customerEmail"}
	for _, key := range keys {
		if val, ok := payload[key]; ok {
			if s, ok := val.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicProposalSent:
		return "Your sealcoating proposal is ready"
	case events.TopicSignatureSent:
		return "A document is waiting for your signature"
	case events.TopicSignatureViewed:
		return "Your document was viewed"
	case events.TopicSignatureSigned:
		return "A signer has signed your document"
	case events.TopicSignatureCompleted:
		return "All signatures collected"
	case events.TopicSignatureDeclined:
		return "A signer declined your document"
	case events.TopicSignatureExpired:
		return "Signature request expired"
	case events.TopicQuotaExceeded:
		return "You have reached a plan limit"
	default:
		return fmt.Sprintf("Notification: %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if proposalID, ok := payload["proposalId"].(string); ok && proposalID != "" {
		summary += fmt.Sprintf("\nProposal: %s", proposalID)
	}
	if requestID, ok := payload["requestId"].(string); ok && requestID != "" {
		summary += fmt.Sprintf("\nSignature request: %s", requestID)
	}
	if reason, ok := payload["reason"].(string); ok && reason != "" {
		summary += "\n" + reason
	}
	if upgrade, ok := payload["upgrade"].(string); ok && upgrade != "" {
		summary += "\n" + upgrade
	}
	return summary
}

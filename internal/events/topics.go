package events

// Topic constants for domain events emitted by the platform.
const (
	TopicProposalCreated    = "proposal.created"
	TopicProposalSent       = "proposal.sent"
	TopicDiscountApplied    = "discount.applied"
	TopicQuotaExceeded      = "quota.exceeded"
	TopicSignatureSent      = "signature.sent"
	TopicSignatureViewed    = "signature.viewed"
	TopicSignatureSigned    = "signature.signed"
	TopicSignatureDeclined  = "signature.declined"
	TopicSignatureCompleted = "signature.completed"
	TopicSignatureExpired   = "signature.expired"
	TopicABTestConverted    = "abtest.converted"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicProposalCreated,
		TopicProposalSent,
		TopicDiscountApplied,
		TopicQuotaExceeded,
		TopicSignatureSent,
		TopicSignatureViewed,
		TopicSignatureSigned,
		TopicSignatureDeclined,
		TopicSignatureCompleted,
		TopicSignatureExpired,
		TopicABTestConverted,
	}
}

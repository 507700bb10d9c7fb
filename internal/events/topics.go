package events

// Topic constants for domain events emitted by checkout.
const (
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
	TopicAccessGranted    = "access.granted"
	TopicOTOIssued        = "oto.issued"
	TopicCouponRedeemed   = "coupon.redeemed"
)

// DefaultTopics returns every topic a webhook endpoint may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicAccessGranted,
		TopicOTOIssued,
		TopicCouponRedeemed,
	}
}

// KnownTopic reports whether topic is one of DefaultTopics.
func KnownTopic(topic string) bool {
	for _, t := range DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

package types

// PaymentStatus is the canonical payment vocabulary. Raw gateway strings
// never cross the reconcile boundary.
type PaymentStatus string

const (
	StatusCreated  PaymentStatus = "CREATED"
	StatusPending  PaymentStatus = "PENDING"
	StatusOK       PaymentStatus = "OK"
	StatusFailed   PaymentStatus = "FAILED"
	StatusCanceled PaymentStatus = "CANCELED"
	StatusExpired  PaymentStatus = "EXPIRED"
)

// Terminal reports whether no further transitions apply to this status.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusOK, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

type TaskKind string

const (
	TaskReminder TaskKind = "reminder"
	TaskFollowup TaskKind = "followup"
)

// TemplateKind names an outbound message for the presentation layer.
// The core decides that something is sent and with which parameters,
// never how it is worded.
type TemplateKind string

const (
	TemplateStartOffer     TemplateKind = "start_offer"
	TemplatePaymentCode    TemplateKind = "payment_code"
	TemplatePaymentRetry   TemplateKind = "payment_retry"
	TemplateReminder       TemplateKind = "reminder"
	TemplateFollowup       TemplateKind = "followup"
	TemplateAccessGranted  TemplateKind = "access_granted"
	TemplateCheckWait      TemplateKind = "check_wait"
	TemplateAlreadyPaid    TemplateKind = "already_paid"
	TemplatePaymentFailure TemplateKind = "payment_failure"
)

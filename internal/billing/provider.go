package billing

import "context"

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

// CreatedPayment is what the user needs to pay: a checkout page and the
// provider's payment id to confirm against later.
type CreatedPayment struct {
	ID          string
	CheckoutURL string
}

type PaymentProvider interface {
	CreatePayment(ctx context.Context, amount int, description string) (*CreatedPayment, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error)
}

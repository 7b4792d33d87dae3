package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuesFor(t *testing.T) {
	q := QueuesFor("payment_checks")
	assert.Equal(t, "payment_checks", q.Main)
	assert.Equal(t, "payment_checks.retry", q.Retry)
	assert.Equal(t, "payment_checks.dlq", q.DLQ)
}

func TestDecodePaymentMessage(t *testing.T) {
	m, err := DecodePaymentMessage([]byte(`{"payment_id":"2c5d","attempt":3}`))
	require.NoError(t, err)
	assert.Equal(t, PaymentMessage{PaymentID: "2c5d", Attempt: 3}, m)

	for _, body := range []string{`{`, `{}`, `{"payment_id":"x","attempt":-1}`} {
		_, err := DecodePaymentMessage([]byte(body))
		assert.Error(t, err, body)
	}
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	payload := []byte(`{
		"id": " evt_123 ",
		"type": "payment.settled",
		"created": 1717000000,
		"data": {"object": {"quote_id": "42", "amount_total": 5000, "currency": "usd"}}
	}`)

	env, err := ParseEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_123", env.ID)
	assert.Equal(t, EventTypePaymentSettled, env.Type)
	assert.Equal(t, time.Unix(1717000000, 0).UTC(), env.OccurredAt())

	obj, err := env.Object()
	require.NoError(t, err)
	assert.Equal(t, "42", obj.QuoteID)
	assert.Equal(t, int64(5000), obj.AmountTotal)
	assert.Equal(t, "USD", obj.Currency, "currency should be normalized to upper case")
}

func TestParseEnvelopeRejectsBadShapes(t *testing.T) {
	cases := map[string][]byte{
		"invalid json":     []byte(`{"id": "evt_1"`),
		"empty id":         []byte(`{"id":"  ","type":"payment.settled","created":1717000000}`),
		"empty type":       []byte(`{"id":"evt_1","type":"","created":1717000000}`),
		"missing created":  []byte(`{"id":"evt_1","type":"payment.settled"}`),
		"negative created": []byte(`{"id":"evt_1","type":"payment.settled","created":-5}`),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope(payload)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestObjectRejectsMissingQuote(t *testing.T) {
	cases := map[string][]byte{
		"no object":      []byte(`{"id":"evt_1","type":"payment.settled","created":1717000000}`),
		"empty object":   []byte(`{"id":"evt_1","type":"payment.settled","created":1717000000,"data":{"object":{}}}`),
		"blank quote id": []byte(`{"id":"evt_1","type":"payment.settled","created":1717000000,"data":{"object":{"quote_id":"  "}}}`),
		"wrong type":     []byte(`{"id":"evt_1","type":"payment.settled","created":1717000000,"data":{"object":{"quote_id":7}}}`),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := ParseEnvelope(payload)
			require.NoError(t, err)
			_, err = env.Object()
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

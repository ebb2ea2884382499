package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// VerifyWebhookSignature checks header against payload and parses the
// event. Only charge events carry a decoded charge.
func (c *Client) VerifyWebhookSignature(payload []byte, header string) (*domain.ChargeEvent, error) {
	return verify(payload, header, c.webhookSecret, c.tolerance, time.Now())
}

func verify(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (*domain.ChargeEvent, error) {
	if secret == "" {
		return nil, &domain.ErrInvalidSignature{Reason: "webhook secret not configured"}
	}
	if header == "" {
		return nil, &domain.ErrInvalidSignature{Reason: "missing signature header"}
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &domain.ErrInvalidSignature{Reason: "malformed timestamp"}
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(v)
			if err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return nil, &domain.ErrInvalidSignature{Reason: "malformed signature header"}
	}

	expected := computeSignature(secret, ts, payload)
	matched := false
	for _, s := range sigs {
		if hmac.Equal(s, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, &domain.ErrInvalidSignature{Reason: "signature mismatch"}
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return nil, &domain.ErrInvalidSignature{Reason: "timestamp outside tolerance"}
	}

	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "malformed event payload"}
	}

	event := &domain.ChargeEvent{ID: env.ID, Type: env.Type}
	if strings.HasPrefix(env.Type, "charge.") && len(env.Data.Object) > 0 {
		var ch chargeObject
		if err := json.Unmarshal(env.Data.Object, &ch); err != nil {
			return nil, &domain.ErrValidation{Field: "data.object", Message: "malformed charge"}
		}
		event.Charge = ch.toDomain()
	}
	return event, nil
}

func computeSignature(secret string, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignPayload builds a signature header for payload at time ts. Used by
// tests and local tooling that replay events.
func SignPayload(secret string, payload []byte, ts time.Time) string {
	sig := computeSignature(secret, ts.Unix(), payload)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + hex.EncodeToString(sig)
}

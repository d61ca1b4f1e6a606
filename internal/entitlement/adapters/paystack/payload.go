package paystack

import (
	"bytes"
	"encoding/json"
	"strings"
)

type paystackEnvelope struct {
	Event     flexString      `json:"event"`
	EventType flexString      `json:"event_type"`
	Type      flexString      `json:"type"`
	Data      json.RawMessage `json:"data"`
	Payload   json.RawMessage `json:"payload"`
}

// data returns data, then payload, as an object. Anything else reads as {}.
func (e paystackEnvelope) data() json.RawMessage {
	raw := e.Data
	if isNull(raw) {
		raw = e.Payload
	}
	if !isObject(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

type paystackData struct {
	ID               flexString       `json:"id"`
	Reference        flexString       `json:"reference"`
	SubscriptionCode flexString       `json:"subscription_code"`
	Status           flexString       `json:"status"`
	NextPaymentDate  flexString       `json:"next_payment_date"`
	Metadata         paystackMetadata `json:"metadata"`
	Plan             paystackPlan     `json:"plan"`
	Customer         paystackCustomer `json:"customer"`
}

// userID resolves metadata.user_id, metadata.userId, then customer.metadata.user_id.
func (d paystackData) userID() string {
	return firstNonEmpty(
		string(d.Metadata.UserID),
		string(d.Metadata.UserIDCamel),
		string(d.Customer.Metadata.UserID),
	)
}

type paystackMetadata struct {
	UserID      flexString `json:"user_id"`
	UserIDCamel flexString `json:"userId"`
	ProductID   flexString `json:"product_id"`
	Product     flexString `json:"product"`
}

// UnmarshalJSON ignores metadata that is not an object.
func (m *paystackMetadata) UnmarshalJSON(raw []byte) error {
	if !isObject(raw) {
		*m = paystackMetadata{}
		return nil
	}
	type alias paystackMetadata
	var decoded alias
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*m = paystackMetadata(decoded)
	return nil
}

type paystackPlan struct {
	ID       flexString `json:"id"`
	PlanCode flexString `json:"plan_code"`
	Name     flexString `json:"name"`
}

// UnmarshalJSON ignores plans that are not objects.
func (p *paystackPlan) UnmarshalJSON(raw []byte) error {
	if !isObject(raw) {
		*p = paystackPlan{}
		return nil
	}
	type alias paystackPlan
	var decoded alias
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*p = paystackPlan(decoded)
	return nil
}

type paystackCustomer struct {
	Metadata paystackMetadata `json:"metadata"`
}

// UnmarshalJSON ignores customers sent as a bare code or id.
func (c *paystackCustomer) UnmarshalJSON(raw []byte) error {
	if !isObject(raw) {
		*c = paystackCustomer{}
		return nil
	}
	type alias paystackCustomer
	var decoded alias
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*c = paystackCustomer(decoded)
	return nil
}

// flexString accepts a JSON string or number. Numbers keep their decimal text.
type flexString string

func (s *flexString) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		*s = ""
		return nil
	}
	switch raw[0] {
	case '"':
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(value))
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var number json.Number
		if err := json.Unmarshal(raw, &number); err != nil {
			return err
		}
		*s = flexString(number.String())
	default:
		*s = ""
	}
	return nil
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isNull(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

package automation

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestDecodeEnvelope(t *testing.T) {
	env := Envelope{
		EventID: uuid.New(),
		Type:    EventContactCreated,
		OrgID:   uuid.New(),
		Data:    json.RawMessage(`{"contact_id":"` + uuid.NewString() + `"}`),
	}
	payload, _ := json.Marshal(env)

	got, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.EventID != env.EventID || got.Type != env.Type || got.OrgID != env.OrgID {
		t.Fatalf("decoded envelope does not round-trip: %+v", got)
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	payload := []byte(`{"event_id":"` + uuid.NewString() + `","type":"CONTACT_DELETED","org_id":"` + uuid.NewString() + `"}`)
	if _, err := decodeEnvelope(payload); err == nil {
		t.Fatalf("expected an error for an unknown event type")
	}
}

func TestDecodeEnvelopeRejectsMissingOrganization(t *testing.T) {
	payload := []byte(`{"event_id":"` + uuid.NewString() + `","type":"CONTACT_CREATED"}`)
	if _, err := decodeEnvelope(payload); err == nil {
		t.Fatalf("expected an error for a missing organization id")
	}
}

func TestDecodeEnvelopeRejectsMalformedPayload(t *testing.T) {
	if _, err := decodeEnvelope([]byte(`{"event_id":`)); err == nil {
		t.Fatalf("expected an error for malformed json")
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range AllEventTypes() {
		if !et.Valid() {
			t.Fatalf("expected %q to be valid", et)
		}
	}
	if EventType("FLOW_STARTED").Valid() {
		t.Fatalf("expected an unlisted event type to be invalid")
	}
}

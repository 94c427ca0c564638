package models

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Envelope is the serialized form of a fact: its kind plus the JSON payload.
// It is the row shape of claim_facts and the line shape read by submit-facts.
type Envelope struct {
	Kind    FactKind        `json:"kind"`
	Payload json.RawMessage `json:"fact"`
}

func EncodeFact(f Fact) (Envelope, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "failed to encode %s fact", f.Kind())
	}
	return Envelope{Kind: f.Kind(), Payload: payload}, nil
}

func DecodeFact(kind FactKind, payload []byte) (Fact, error) {
	switch kind {
	case KindSubmission:
		var s Submission
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, errors.Wrap(err, "failed to decode submission")
		}
		return s, nil
	case KindResubmission:
		var r Resubmission
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, errors.Wrap(err, "failed to decode resubmission")
		}
		return r, nil
	case KindRemittance:
		var l RemittanceLine
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, errors.Wrap(err, "failed to decode remittance line")
		}
		return l, nil
	}
	return nil, fmt.Errorf("unknown fact kind %q", kind)
}

// Decode returns the fact held by the envelope.
func (e Envelope) Decode() (Fact, error) {
	return DecodeFact(e.Kind, e.Payload)
}

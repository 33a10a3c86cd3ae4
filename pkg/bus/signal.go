package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/pkg/fault"
)

// Signal is one bus message. Signals are created by senders, consumed
// by handlers and never mutated in transit.
//
// The wire form is a UTF-8 JSON object with exactly this field set;
// unknown fields are ignored on decode, missing mandatory fields are
// rejected with Bus-1-31.
type Signal struct {
	SignalID         string         `json:"signal_id"`
	CallerAddress    Address        `json:"caller_address"`
	TargetAddress    Address        `json:"target_address"`
	BusAddress       Address        `json:"bus_address"`
	SignalType       string         `json:"signal_type"`
	RadioCode        RadioCode      `json:"radio_code"`
	Message          string         `json:"message,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	ResponseExpected bool           `json:"response_expected"`
	Timeout          time.Duration  `json:"timeout,omitempty"`
}

// NewSignal builds a signal with a fresh globally unique signal_id.
// The timeout defaults from the radio code when left zero.
func NewSignal(caller, target Address, signalType string, code RadioCode, payload map[string]any) *Signal {
	return &Signal{
		SignalID:         uuid.NewString(),
		CallerAddress:    caller,
		TargetAddress:    target,
		BusAddress:       BusAddress,
		SignalType:       signalType,
		RadioCode:        code,
		Payload:          payload,
		ResponseExpected: code.ResponseExpected(),
		Timeout:          code.DefaultTimeout(),
	}
}

// Validate checks the envelope contract. A nil return means the signal
// may be routed.
func (s *Signal) Validate() *fault.Fault {
	missing := ""
	switch {
	case s.SignalID == "":
		missing = "signal_id"
	case s.CallerAddress == "":
		missing = "caller_address"
	case s.TargetAddress == "":
		missing = "target_address"
	case s.SignalType == "":
		missing = "signal_type"
	case s.RadioCode == "":
		missing = "radio_code"
	}
	if missing != "" {
		return fault.Newf(BusAddress, fault.FamilyValidation, fault.SeverityMedium,
			"signal envelope missing mandatory field %q", missing)
	}
	if !s.RadioCode.Known() {
		return fault.Newf(BusAddress, fault.FamilyValidation, fault.SeverityMedium,
			"unknown radio code %q", s.RadioCode)
	}
	if !s.CallerAddress.Valid() || !s.TargetAddress.Valid() {
		return fault.Newf(BusAddress, fault.FamilyValidation, fault.SeverityMedium,
			"malformed address in envelope: caller=%q target=%q", s.CallerAddress, s.TargetAddress)
	}
	return nil
}

// Encode serializes the signal to its JSON wire form.
func (s *Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a wire-form signal and validates the envelope.
func Decode(data []byte) (*Signal, *fault.Fault) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fault.Newf(BusAddress, fault.FamilyValidation, fault.SeverityMedium,
			"signal envelope not valid JSON: %v", err)
	}
	if f := s.Validate(); f != nil {
		return nil, f
	}
	return &s, nil
}

// Response builds a response signal answering s, addressed back to the
// caller and carrying the same signal_id so the bus can complete the
// pending request.
func (s *Signal) Response(responder Address, payload map[string]any) *Signal {
	return &Signal{
		SignalID:      s.SignalID,
		CallerAddress: responder,
		TargetAddress: s.CallerAddress,
		BusAddress:    BusAddress,
		SignalType:    s.SignalType + ".response",
		RadioCode:     RadioAck,
		Payload:       payload,
	}
}

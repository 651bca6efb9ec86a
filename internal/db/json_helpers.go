package db

import "encoding/json"

// NormalizedMap unmarshals Event.NormalizedJSON into a generic map, the shape
// the Webhook Dispatcher embeds verbatim under the "normalized" key (§6.4).
func (e *Event) NormalizedMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(e.NormalizedJSON), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RawMap unmarshals Event.RawJSON into a generic map, embedded verbatim
// under the "raw" key (§6.4).
func (e *Event) RawMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(e.RawJSON), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PayloadMap unmarshals OutboundMessage.PayloadJSON, used by the Outbound
// Dispatcher to read payload.text (§4.7 step 8).
func (m *OutboundMessage) PayloadMap() (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Package model holds the small set of types shared across the
// ingestion pipeline's stages (upstream fetch, classification, and
// storage) so none of those packages needs to import another's
// internals.
package model

import "encoding/json"

// RawRequest is one upstream-reported service request, kept as a raw
// JSON object so unrecognized fields survive the round trip untouched.
type RawRequest map[string]json.RawMessage

// ID returns the request's service_request_id, coerced to a string the
// way the upstream's numeric or string-typed ids both normalize to.
func (r RawRequest) ID() string {
	raw, ok := r["service_request_id"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// MediaURL returns the media_url field if present and a string.
func (r RawRequest) MediaURL() string {
	raw, ok := r["media_url"]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// RequestedDatetime returns the requested_datetime field if present.
func (r RawRequest) RequestedDatetime() string {
	raw, ok := r["requested_datetime"]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// RequestFlag is one categorical tag the classifier can attach to a
// request. It stays an open string type rather than a closed Go enum
// so a flag the recognized constants don't cover still round-trips.
type RequestFlag string

// Recognized flags. Not exhaustive — see the RequestFlag doc comment.
const (
	FlagRoad       RequestFlag = "road"
	FlagSanitation RequestFlag = "sanitation"
	FlagSafety     RequestFlag = "safety"
	FlagProperty   RequestFlag = "property"
	FlagUtility    RequestFlag = "utility"
	FlagNoise      RequestFlag = "noise"
	FlagOther      RequestFlag = "other"
)

// Verdict is the classifier's structured output for one request.
type Verdict struct {
	Priority            int           `json:"priority"`
	Flag                []RequestFlag `json:"flag"`
	PriorityExplanation string        `json:"priority_explanation"`
	FlagExplanation     string        `json:"flag_explanation"`
	IncidentLabel       string        `json:"incident_label"`
}

// MergePayload combines a raw upstream request with its classifier
// verdict and city tag into the JSON object that gets stored. Verdict
// fields win on name collision; any raw field the schema doesn't know
// about is preserved verbatim.
func MergePayload(raw RawRequest, verdict Verdict, city string) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage, len(raw)+6)
	for k, v := range raw {
		merged[k] = v
	}

	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return nil, err
	}
	var verdictFields map[string]json.RawMessage
	if err := json.Unmarshal(verdictJSON, &verdictFields); err != nil {
		return nil, err
	}
	for k, v := range verdictFields {
		merged[k] = v
	}

	cityJSON, err := json.Marshal(city)
	if err != nil {
		return nil, err
	}
	merged["city"] = cityJSON

	return json.Marshal(merged)
}

/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package records holds the unified record type shared by every observer,
// logger and stop trigger. A HandlerRecord carries common identification,
// timing and trace-context fields, plus a tagged payload that is either a
// query result, a reaction invocation, or an opaque reaction output.
package records

import (
	"encoding/json"
	"fmt"
)

// HandlerType distinguishes the two observer families a record can come from.
type HandlerType string

const (
	HandlerTypeResultStream HandlerType = "ResultStream"
	HandlerTypeReaction     HandlerType = "Reaction"
)

// HandlerRecord is the unified observed record. Sequence is assigned by the
// owning observer and is strictly increasing per component; the payload
// variant is immutable for the record's lifetime.
type HandlerRecord struct {
	ID              string `json:"id"`
	Sequence        uint64 `json:"sequence"`
	CreatedTimeNS   uint64 `json:"created_time_ns"`
	ProcessedTimeNS uint64 `json:"processed_time_ns"`

	Traceparent string `json:"traceparent,omitempty"`
	Tracestate  string `json:"tracestate,omitempty"`

	Payload HandlerPayload `json:"payload"`
}

// Get implements W3C trace-context extraction. The fixed traceparent and
// tracestate fields win; reaction invocations fall back to the request
// headers.
func (r *HandlerRecord) Get(key string) (string, bool) {
	switch key {
	case "traceparent":
		if r.Traceparent != "" {
			return r.Traceparent, true
		}
		return "", false
	case "tracestate":
		if r.Tracestate != "" {
			return r.Tracestate, true
		}
		return "", false
	}
	if inv := r.Payload.ReactionInvocation; inv != nil {
		v, ok := inv.Headers[key]
		return v, ok
	}
	return "", false
}

// Keys returns the fixed trace-context pair plus any header keys carried by a
// reaction invocation.
func (r *HandlerRecord) Keys() []string {
	keys := []string{"traceparent", "tracestate"}
	if inv := r.Payload.ReactionInvocation; inv != nil {
		for k := range inv.Headers {
			keys = append(keys, k)
		}
	}
	return keys
}

func (r *HandlerRecord) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("error serializing handler record %s: %v", r.ID, err)
	}
	return string(data)
}

// HandlerPayload is the tagged payload variant. Exactly one of the three
// pointers is set; the JSON form is internally tagged with a "type" field.
type HandlerPayload struct {
	ResultStream       *ResultStreamPayload
	ReactionInvocation *ReactionInvocationPayload
	ReactionOutput     *ReactionOutputPayload
}

// Type returns the tag of the active variant.
func (p HandlerPayload) Type() string {
	switch {
	case p.ResultStream != nil:
		return "ResultStream"
	case p.ReactionInvocation != nil:
		return "ReactionInvocation"
	case p.ReactionOutput != nil:
		return "ReactionOutput"
	default:
		return ""
	}
}

type ResultStreamPayload struct {
	QueryResult QueryResultRecord `json:"query_result"`
}

type ReactionInvocationPayload struct {
	ReactionType  string            `json:"reaction_type"`
	QueryID       string            `json:"query_id"`
	RequestMethod string            `json:"request_method"`
	RequestPath   string            `json:"request_path"`
	RequestBody   json.RawMessage   `json:"request_body"`
	Headers       map[string]string `json:"headers"`
}

type ReactionOutputPayload struct {
	ReactionOutput json.RawMessage `json:"reaction_output"`
}

type taggedPayload struct {
	Type string `json:"type"`

	// ResultStream
	QueryResult *QueryResultRecord `json:"query_result,omitempty"`

	// ReactionInvocation
	ReactionType  string            `json:"reaction_type,omitempty"`
	QueryID       string            `json:"query_id,omitempty"`
	RequestMethod string            `json:"request_method,omitempty"`
	RequestPath   string            `json:"request_path,omitempty"`
	RequestBody   json.RawMessage   `json:"request_body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`

	// ReactionOutput
	ReactionOutput json.RawMessage `json:"reaction_output,omitempty"`
}

func (p HandlerPayload) MarshalJSON() ([]byte, error) {
	tagged := taggedPayload{Type: p.Type()}
	switch {
	case p.ResultStream != nil:
		tagged.QueryResult = &p.ResultStream.QueryResult
	case p.ReactionInvocation != nil:
		inv := p.ReactionInvocation
		tagged.ReactionType = inv.ReactionType
		tagged.QueryID = inv.QueryID
		tagged.RequestMethod = inv.RequestMethod
		tagged.RequestPath = inv.RequestPath
		tagged.RequestBody = inv.RequestBody
		tagged.Headers = inv.Headers
	case p.ReactionOutput != nil:
		tagged.ReactionOutput = p.ReactionOutput.ReactionOutput
	default:
		return nil, fmt.Errorf("handler payload has no variant set")
	}
	return json.Marshal(tagged)
}

func (p *HandlerPayload) UnmarshalJSON(data []byte) error {
	var tagged taggedPayload
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	switch tagged.Type {
	case "ResultStream":
		var qr QueryResultRecord
		if tagged.QueryResult != nil {
			qr = *tagged.QueryResult
		}
		*p = HandlerPayload{ResultStream: &ResultStreamPayload{QueryResult: qr}}
	case "ReactionInvocation":
		*p = HandlerPayload{ReactionInvocation: &ReactionInvocationPayload{
			ReactionType:  tagged.ReactionType,
			QueryID:       tagged.QueryID,
			RequestMethod: tagged.RequestMethod,
			RequestPath:   tagged.RequestPath,
			RequestBody:   tagged.RequestBody,
			Headers:       tagged.Headers,
		}}
	case "ReactionOutput":
		*p = HandlerPayload{ReactionOutput: &ReactionOutputPayload{ReactionOutput: tagged.ReactionOutput}}
	default:
		return fmt.Errorf("unknown handler payload type %q", tagged.Type)
	}
	return nil
}

// QueryResultRecord is one record read from a query's result stream. Kind is
// "change" for data records and "control" for control-signal records such as
// bootstrap markers.
type QueryResultRecord struct {
	Kind          string          `json:"kind"`
	QueryID       string          `json:"queryId,omitempty"`
	Sequence      uint64          `json:"sequence,omitempty"`
	SourceTimeMS  uint64          `json:"sourceTimeMs,omitempty"`
	Results       json.RawMessage `json:"results,omitempty"`
	ControlSignal json.RawMessage `json:"controlSignal,omitempty"`
}

const (
	QueryResultKindChange  = "change"
	QueryResultKindControl = "control"
)

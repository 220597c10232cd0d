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

// Package streamv1 defines the source-change stream service: the wire types
// and the gRPC client/server plumbing for submitting change events to a
// platform source, either one at a time or as a client-side stream with
// per-chunk acknowledgements. Both ends of the wire are owned by this
// project, so messages travel as JSON frames over a registered gRPC codec.
package streamv1

// ChangeType tags a source change on the wire.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "INSERT"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// ElementReference addresses an element within a source.
type ElementReference struct {
	SourceID  string `json:"source_id"`
	ElementID string `json:"element_id"`
}

// ElementMetadata carries the identity of an element plus its labels and the
// time the change takes effect.
type ElementMetadata struct {
	Reference     ElementReference `json:"reference"`
	Labels        []string         `json:"labels,omitempty"`
	EffectiveFrom uint64           `json:"effective_from"`
}

// Node is a graph element without endpoints.
type Node struct {
	Metadata   ElementMetadata `json:"metadata"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// Relation is a graph element connecting two nodes.
type Relation struct {
	Metadata   ElementMetadata  `json:"metadata"`
	InNode     ElementReference `json:"in_node"`
	OutNode    ElementReference `json:"out_node"`
	Properties map[string]any   `json:"properties,omitempty"`
}

// SourceChange is one change event in wire form. For inserts and updates
// exactly one of Node or Relation is set; deletes carry only Metadata.
type SourceChange struct {
	Type        ChangeType       `json:"type"`
	SourceID    string           `json:"source_id"`
	TimestampNS uint64           `json:"timestamp_ns"`
	Node        *Node            `json:"node,omitempty"`
	Relation    *Relation        `json:"relation,omitempty"`
	Metadata    *ElementMetadata `json:"metadata,omitempty"`
}

// SubmitEventRequest submits a single change.
type SubmitEventRequest struct {
	Event *SourceChange `json:"event"`
}

// SubmitEventResponse acknowledges a single change.
type SubmitEventResponse struct {
	Success         bool   `json:"success"`
	EventsProcessed uint64 `json:"events_processed"`
	Error           string `json:"error,omitempty"`
}

// StreamEventsResponse acknowledges a chunk of streamed changes. A response
// with Success=false and a non-empty Error fails the whole batch.
type StreamEventsResponse struct {
	Success         bool   `json:"success"`
	EventsProcessed uint64 `json:"events_processed"`
	Error           string `json:"error,omitempty"`
}

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

package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/drasi-project/test-run-host/pkg/dispatch/streamv1"
	"github.com/drasi-project/test-run-host/pkg/records"
)

// Reserved element fields. Everything else on the top level is treated as a
// property when no nested properties object is present.
var reservedElementFields = map[string]struct{}{
	"id":         {},
	"labels":     {},
	"startId":    {},
	"endId":      {},
	"properties": {},
}

// ToSourceChange converts a recorded change event to its wire form. An
// element carrying both startId and endId is a relation; anything else is a
// node. Deletes carry metadata only.
func ToSourceChange(event *records.SourceChangeEvent, sourceID string) (*streamv1.SourceChange, error) {
	var changeType streamv1.ChangeType
	switch records.NormalizeOp(event.Op) {
	case records.OpInsert:
		changeType = streamv1.ChangeTypeInsert
	case records.OpUpdate:
		changeType = streamv1.ChangeTypeUpdate
	case records.OpDelete:
		changeType = streamv1.ChangeTypeDelete
	default:
		return nil, fmt.Errorf("source change event has unknown op %q", event.Op)
	}

	var obj map[string]any
	if raw := event.Element(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decoding element view: %w", err)
		}
	}

	change := &streamv1.SourceChange{
		Type:        changeType,
		SourceID:    sourceID,
		TimestampNS: event.Payload.Source.TsNS,
	}

	metadata := streamv1.ElementMetadata{
		Reference: streamv1.ElementReference{
			SourceID:  sourceID,
			ElementID: stringField(obj, "id"),
		},
		Labels:        extractLabels(obj),
		EffectiveFrom: event.Payload.Source.TsNS,
	}

	if changeType == streamv1.ChangeTypeDelete {
		change.Metadata = &metadata
		return change, nil
	}

	properties := extractProperties(obj)

	startID, hasStart := stringFieldOK(obj, "startId")
	endID, hasEnd := stringFieldOK(obj, "endId")
	if hasStart && hasEnd {
		change.Relation = &streamv1.Relation{
			Metadata:   metadata,
			InNode:     streamv1.ElementReference{SourceID: sourceID, ElementID: startID},
			OutNode:    streamv1.ElementReference{SourceID: sourceID, ElementID: endID},
			Properties: properties,
		}
	} else {
		change.Node = &streamv1.Node{
			Metadata:   metadata,
			Properties: properties,
		}
	}
	return change, nil
}

func stringField(obj map[string]any, key string) string {
	v, _ := stringFieldOK(obj, key)
	return v
}

func stringFieldOK(obj map[string]any, key string) (string, bool) {
	if obj == nil {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}

func extractLabels(obj map[string]any) []string {
	raw, ok := obj["labels"].([]any)
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			labels = append(labels, s)
		}
	}
	return labels
}

// extractProperties prefers a nested properties object and otherwise falls
// back to the top-level fields minus the reserved set.
func extractProperties(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	if nested, ok := obj["properties"].(map[string]any); ok {
		return nested
	}
	props := make(map[string]any)
	for k, v := range obj {
		if _, reserved := reservedElementFields[k]; reserved {
			continue
		}
		props[k] = v
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

// SPDX-License-Identifier: LGPL-3.0-or-later

package jobproto

import (
	"encoding/json"
)

// knownFields lists the envelope keys JobDocument decodes explicitly;
// every other top-level key is preserved verbatim in Extra.
var knownFields = map[string]bool{
	"version": true, "job_id": true, "created_at": true, "kind": true,
	"operation": true, "execution": true, "constraints": true,
	"payload": true, "observability": true, "metadata": true,
}

// jobDocumentAlias avoids infinite recursion into (Un)MarshalJSON.
type jobDocumentAlias JobDocument

// MarshalJSON re-emits known fields plus every preserved Extra key.
func (d *JobDocument) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*jobDocumentAlias)(d))
	if err != nil {
		return nil, err
	}

	if len(d.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known envelope fields and retains every other
// top-level key in Extra, so a deserialise-then-serialise round trip
// never drops forward-compatible data (P9).
func (d *JobDocument) UnmarshalJSON(data []byte) error {
	var alias jobDocumentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*d = JobDocument(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		d.Extra[k] = val
	}
	return nil
}

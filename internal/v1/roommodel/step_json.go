package roommodel

import (
	"encoding/json"
	"fmt"
	"time"
)

// MarshalJSON flattens Extra alongside the well-known fields into one JSON
// object, e.g. {"type":"move","article":"Cat","at":"...","reason":"..."}.
func (s Step) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["type"] = s.Type
	out["article"] = s.Article
	out["at"] = s.At.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// UnmarshalJSON pulls the well-known fields out and leaves everything else
// in Extra.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &s.Type); err != nil {
			return fmt.Errorf("step.type: %w", err)
		}
		delete(raw, "type")
	}
	if v, ok := raw["article"]; ok {
		if err := json.Unmarshal(v, &s.Article); err != nil {
			return fmt.Errorf("step.article: %w", err)
		}
		delete(raw, "article")
	}
	if v, ok := raw["at"]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("step.at: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("step.at: %w", err)
		}
		s.At = parsed
		delete(raw, "at")
	}

	if len(raw) == 0 {
		s.Extra = nil
		return nil
	}
	s.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("step.%s: %w", k, err)
		}
		s.Extra[k] = val
	}
	return nil
}

// Copyright 2025 James Ross
package worker

import "encoding/json"

func unmarshalConfig(raw string, out interface{}) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

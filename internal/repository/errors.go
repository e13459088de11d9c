// Copyright 2025 James Ross
package repository

import (
	"encoding/json"
	"errors"

	"github.com/bridgemq/bridgemq/internal/model"
)

// ErrNotFound is returned when a job's meta/config hash doesn't exist.
var ErrNotFound = errors.New("repository: job not found")

func unmarshalJobConfig(raw []byte) (model.JobConfig, error) {
	var cfg model.JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.JobConfig{}, err
	}
	return cfg, nil
}

package models

import (
	"encoding/json"
	"fmt"
)

// Trigger types.
const (
	TriggerDaily     = "daily"
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerBackfill  = "backfill"
)

// Trigger is the payload every entry point decodes: Pub/Sub push, Kafka,
// manual HTTP and cron ticks.
type Trigger struct {
	TriggerType string  `json:"trigger_type"`
	Date        *string `json:"date,omitempty"`
	Force       bool    `json:"force"`
}

// DecodeTrigger parses a trigger payload, applying defaultType when the
// payload names none. An empty payload is a default trigger.
func DecodeTrigger(data []byte, defaultType string) (Trigger, error) {
	trigger := Trigger{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &trigger); err != nil {
			return Trigger{}, fmt.Errorf("invalid trigger payload: %w", err)
		}
	}
	if trigger.TriggerType == "" {
		trigger.TriggerType = defaultType
	}
	return trigger, nil
}

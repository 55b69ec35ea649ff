package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskActivityRecorded = "intelligence.activity.recorded"

const TaskOpportunityChanged = "intelligence.opportunity.changed"

const TaskActionSuggest = "intelligence.actions.suggest"

type ActivityRecordedPayload struct {
	SourceEventID  string `json:"sourceEventId"`
	Kind           string `json:"kind"`
	ProspectID     string `json:"prospectId"`
	OrganizationID string `json:"organizationId,omitempty"`
	OccurredAt     string `json:"occurredAt"`
}

type OpportunityChangedPayload struct {
	OpportunityID  string `json:"opportunityId"`
	OrganizationID string `json:"organizationId,omitempty"`
	Reason         string `json:"reason"`
}

// ActionSuggestPayload carries the ids of a processed item to the
// action-suggestion pipeline.
type ActionSuggestPayload struct {
	ItemID         string `json:"itemId"`
	Kind           string `json:"kind"`
	ProspectID     string `json:"prospectId,omitempty"`
	OpportunityID  string `json:"opportunityId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

func newJSONTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func parseJSONPayload[T any](task *asynq.Task) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		var zero T
		return zero, err
	}
	return payload, nil
}

func NewActivityRecordedTask(payload ActivityRecordedPayload) (*asynq.Task, error) {
	return newJSONTask(TaskActivityRecorded, payload)
}

func ParseActivityRecordedPayload(task *asynq.Task) (ActivityRecordedPayload, error) {
	return parseJSONPayload[ActivityRecordedPayload](task)
}

func NewOpportunityChangedTask(payload OpportunityChangedPayload) (*asynq.Task, error) {
	return newJSONTask(TaskOpportunityChanged, payload)
}

func ParseOpportunityChangedPayload(task *asynq.Task) (OpportunityChangedPayload, error) {
	return parseJSONPayload[OpportunityChangedPayload](task)
}

func NewActionSuggestTask(payload ActionSuggestPayload) (*asynq.Task, error) {
	return newJSONTask(TaskActionSuggest, payload)
}

func ParseActionSuggestPayload(task *asynq.Task) (ActionSuggestPayload, error) {
	return parseJSONPayload[ActionSuggestPayload](task)
}

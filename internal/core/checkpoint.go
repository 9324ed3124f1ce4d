package core

import (
	"encoding/json"
	"time"
)

// Checkpoint is one durable snapshot of workflow state. Checkpoints
// form a strictly ordered, append-only chain per run; resume always
// loads the latest. A checkpoint is never mutated.
type Checkpoint struct {
	RunID            RunID     `json:"run_id"`
	SequenceID       int64     `json:"sequence_id"`
	ParentSequenceID int64     `json:"parent_sequence_id"`
	Stage            Stage     `json:"stage"`
	State            []byte    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewCheckpoint serializes the state into the next checkpoint of the
// chain. parentSeq is the sequence of the previous checkpoint, or -1
// for the first one.
func NewCheckpoint(state *WorkflowState, parentSeq int64) (*Checkpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, ErrState(CodeCheckpointBroken, "marshaling workflow state").WithCause(err)
	}
	return &Checkpoint{
		RunID:            state.RunID,
		SequenceID:       parentSeq + 1,
		ParentSequenceID: parentSeq,
		Stage:            state.CurrentStage,
		State:            data,
		CreatedAt:        time.Now(),
	}, nil
}

// DecodeState deserializes the snapshot back into a workflow state.
func (c *Checkpoint) DecodeState() (*WorkflowState, error) {
	var state WorkflowState
	if err := json.Unmarshal(c.State, &state); err != nil {
		return nil, ErrState(CodeCheckpointBroken, "unmarshaling checkpoint state").WithCause(err)
	}
	if err := state.Validate(); err != nil {
		return nil, ErrState(CodeCheckpointBroken, "checkpoint state invalid").WithCause(err)
	}
	return &state, nil
}

// CheckpointMeta is a listing row without the serialized state.
type CheckpointMeta struct {
	RunID            RunID     `json:"run_id"`
	SequenceID       int64     `json:"sequence_id"`
	ParentSequenceID int64     `json:"parent_sequence_id"`
	Stage            Stage     `json:"stage"`
	CreatedAt        time.Time `json:"created_at"`
}

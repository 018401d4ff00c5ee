package core

import (
	"fmt"
	"strings"
)

// ValidateCreateThreadRequest checks a create_thread payload.
func ValidateCreateThreadRequest(req *CreateThreadRequest) *OJSError {
	if req.Authority.IsZero() {
		return NewInvalidRequestError("Field 'authority' is required.", map[string]any{"field": "authority"})
	}
	if err := ValidateThreadID(req.ID); err != nil {
		return err
	}
	if err := ValidateTrigger(&req.Trigger); err != nil {
		return err
	}
	return ValidateInstructions(req.Instructions)
}

// ValidateUpdateThreadRequest checks an update_thread payload.
func ValidateUpdateThreadRequest(req *UpdateThreadRequest) *OJSError {
	if req.IsEmpty() {
		return NewInvalidRequestError("Update must change at least one field.", nil)
	}
	if req.Trigger != nil {
		if err := ValidateTrigger(req.Trigger); err != nil {
			return err
		}
	}
	if req.Instructions != nil {
		if err := ValidateInstructions(req.Instructions); err != nil {
			return err
		}
	}
	return nil
}

// ValidateThreadID checks the caller-chosen thread id.
func ValidateThreadID(id string) *OJSError {
	if id == "" {
		return NewInvalidRequestError("Field 'id' is required.", map[string]any{"field": "id"})
	}
	if len(id) > MaxThreadIDLength {
		return NewInvalidRequestError(
			fmt.Sprintf("Field 'id' must be at most %d bytes.", MaxThreadIDLength),
			map[string]any{"field": "id", "length": len(id)},
		)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return NewInvalidRequestError(
			"Field 'id' must not contain whitespace.",
			map[string]any{"field": "id", "value": id},
		)
	}
	return nil
}

// ValidateTrigger checks the variant-specific fields of a trigger. Cron
// schedule syntax is checked by the trigger package.
func ValidateTrigger(t *Trigger) *OJSError {
	if !t.Kind.Valid() {
		return NewInvalidRequestError("Unknown trigger kind.", map[string]any{"field": "trigger.kind"})
	}
	switch t.Kind {
	case TriggerCron:
		if strings.TrimSpace(t.Schedule) == "" {
			return NewInvalidRequestError("Cron trigger requires 'schedule'.", map[string]any{"field": "trigger.schedule"})
		}
	case TriggerSlot, TriggerEpoch, TriggerTimestamp:
		if t.Target < 0 {
			return NewInvalidRequestError(
				fmt.Sprintf("%s trigger 'target' must not be negative.", t.Kind),
				map[string]any{"field": "trigger.target"},
			)
		}
	case TriggerAccount:
		if t.Address.IsZero() {
			return NewInvalidRequestError("Account trigger requires 'address'.", map[string]any{"field": "trigger.address"})
		}
		if t.Size == 0 || t.Size > MaxAccountWindow {
			return NewInvalidRequestError(
				fmt.Sprintf("Account trigger 'size' must be between 1 and %d.", MaxAccountWindow),
				map[string]any{"field": "trigger.size", "value": t.Size},
			)
		}
		if t.Offset+t.Size < t.Offset {
			return NewInvalidRequestError("Account trigger window overflows.", map[string]any{"field": "trigger.offset"})
		}
	}
	return nil
}

// ValidateInstructions checks the instruction queue.
func ValidateInstructions(instructions []Instruction) *OJSError {
	if len(instructions) == 0 {
		return NewInvalidRequestError("At least one instruction is required.", map[string]any{"field": "instructions"})
	}
	if len(instructions) > MaxInstructions {
		return NewInvalidRequestError(
			fmt.Sprintf("At most %d instructions are allowed.", MaxInstructions),
			map[string]any{"field": "instructions", "length": len(instructions)},
		)
	}
	for i, in := range instructions {
		if err := ValidateInstruction(in); err != nil {
			if err.Details == nil {
				err.Details = map[string]any{}
			}
			err.Details["index"] = i
			return err
		}
	}
	return nil
}

// ValidateInstruction checks a single instruction descriptor.
func ValidateInstruction(in Instruction) *OJSError {
	if in.Program.IsZero() {
		return NewInvalidRequestError("Instruction requires 'program'.", map[string]any{"field": "program"})
	}
	if len(in.Accounts) > MaxInstructionAccounts {
		return NewInvalidRequestError(
			fmt.Sprintf("Instruction may list at most %d accounts.", MaxInstructionAccounts),
			map[string]any{"field": "accounts"},
		)
	}
	if len(in.Data) > MaxInstructionData {
		return NewInvalidRequestError(
			fmt.Sprintf("Instruction data must be at most %d bytes.", MaxInstructionData),
			map[string]any{"field": "data"},
		)
	}
	return nil
}

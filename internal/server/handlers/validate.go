package handlers

import (
	"fmt"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/agentdock/internal/assets/schemas"
	apperrors "github.com/3leaps/agentdock/internal/errors"
)

var (
	taskValidatorOnce sync.Once
	taskValidator     *schema.Validator
	taskValidatorErr  error
)

func getTaskValidator() (*schema.Validator, error) {
	taskValidatorOnce.Do(func() {
		taskValidator, taskValidatorErr = schema.NewValidator(schemasassets.TaskRequestSchema)
		if taskValidatorErr != nil {
			taskValidatorErr = fmt.Errorf("compile task request schema: %w", taskValidatorErr)
		}
	})
	return taskValidator, taskValidatorErr
}

// fieldError is one schema violation, addressed by JSON pointer.
type fieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// validateTaskRequest checks a raw task body against the embedded schema.
func validateTaskRequest(raw []byte) error {
	v, err := getTaskValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(raw)
	if err != nil {
		return apperrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}

	var errs []fieldError
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, fieldError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msg := "invalid task request"
	if len(errs) == 1 {
		msg = "invalid task request: " + errs[0].Message
		if errs[0].Path != "" {
			msg = "invalid task request: " + errs[0].Path + ": " + errs[0].Message
		}
	}
	return apperrors.NewBadRequest(msg).WithDetails(map[string]any{"errors": errs})
}

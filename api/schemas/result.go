package schemas

import "time"

// -- Registration Output --

// RunStatus is the terminal state of an automation run.
type RunStatus string

const (
	StatusSuccess     RunStatus = "SUCCESS"
	StatusNeedsManual RunStatus = "NEEDS_MANUAL"
	StatusFailed      RunStatus = "FAILED"
)

// ErrorType is the failure taxonomy surfaced to callers.
type ErrorType string

const (
	ErrorFormNotFound  ErrorType = "form_not_found"
	ErrorMappingFailed ErrorType = "mapping_failed"
	ErrorCaptcha       ErrorType = "captcha"
	ErrorValidation    ErrorType = "validation_error"
	ErrorInteraction   ErrorType = "interaction_error"
	ErrorUnexpected    ErrorType = "unexpected_error"
)

// ManualReason explains why a human has to finish the registration.
type ManualReason string

const (
	ManualCaptcha         ManualReason = "captcha"
	ManualUnsupportedForm ManualReason = "unsupported_form"
)

// ManualAction tells the caller where a human should pick up.
type ManualAction struct {
	Reason ManualReason `json:"reason"`
	URL    string       `json:"url"`
}

// UnmappedField describes a visible form input the engine could not assign.
type UnmappedField struct {
	Selector    string `json:"selector"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// RegistrationResult is produced exactly once per run and handed back to the caller.
// The engine never persists it.
type RegistrationResult struct {
	RunID            string          `json:"run_id"`
	JobID            string          `json:"job_id,omitempty"`
	Status           RunStatus       `json:"status"`
	Success          bool            `json:"success"`
	ConfirmationCode string          `json:"confirmation_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorType        ErrorType       `json:"error_type,omitempty"`
	ScreenshotPath   string          `json:"screenshot_path,omitempty"`
	HTMLSnapshot     string          `json:"html_snapshot,omitempty"`
	HTMLSnapshotPath string          `json:"html_snapshot_path,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	AttemptNumber    int             `json:"attempt_number"`
	TargetURL        string          `json:"target_url"`
	FinalURL         string          `json:"final_url,omitempty"`
	StepsCompleted   int             `json:"steps_completed"`
	FieldsFilled     int             `json:"fields_filled"`
	Unmapped         []UnmappedField `json:"unmapped,omitempty"`
	ManualAction     *ManualAction   `json:"manual_action,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}

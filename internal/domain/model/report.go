package model

import (
	"errors"
	"fmt"
)

// ErrorMappingsPointer is the jobMappings sentinel selecting the outcome
// column instead of a JSON-pointer lookup.
const ErrorMappingsPointer = "errorMappings"

// Fail kinds synthesized for outcome-column lookups when a job carries none.
const (
	FailKindSuccess = "success"
	FailKindUnknown = "unknown"
)

// Fallback outcome labels used when errorMappings has no entry for a kind.
const (
	OutcomeLabelSuccess = "Success"
	OutcomeLabelOther   = "Other Error"
)

// ColumnMapping binds one report column to a JSON pointer into the job
// document, or to the outcome sentinel.
type ColumnMapping struct {
	Column  string
	Pointer string
}

// ReportConfig describes how finished jobs become report rows. JobMappings
// order is the CSV column order.
type ReportConfig struct {
	JobMappings   []ColumnMapping
	ErrorMappings map[string]string
}

// Validate checks a report config for usable mappings.
func (c *ReportConfig) Validate() error {
	if len(c.JobMappings) == 0 {
		return errors.New("jobMappings is required")
	}
	seen := make(map[string]struct{}, len(c.JobMappings))
	for _, m := range c.JobMappings {
		if m.Column == "" {
			return errors.New("jobMappings column name is required")
		}
		if m.Pointer == "" {
			return fmt.Errorf("jobMappings pointer for column %q is required", m.Column)
		}
		if _, dup := seen[m.Column]; dup {
			return fmt.Errorf("duplicate jobMappings column %q", m.Column)
		}
		seen[m.Column] = struct{}{}
	}
	return nil
}

// Columns lists the column names in mapping order.
func (c *ReportConfig) Columns() []string {
	cols := make([]string, 0, len(c.JobMappings))
	for _, m := range c.JobMappings {
		cols = append(cols, m.Column)
	}
	return cols
}

// OutcomeLabel resolves the outcome column for one filed job. failKind is
// empty for successes and for failures without a declared kind.
func (c *ReportConfig) OutcomeLabel(status JobStatus, failKind string) string {
	kind := failKind
	if kind == "" {
		if status == JobStatusSuccess {
			kind = FailKindSuccess
		} else {
			kind = FailKindUnknown
		}
	}
	if label, ok := c.ErrorMappings[kind]; ok {
		return label
	}
	if status == JobStatusSuccess {
		return OutcomeLabelSuccess
	}
	return OutcomeLabelOther
}

// ReportRow is one flat row keyed by column name.
type ReportRow map[string]string

// EmailAddress is one recipient of a report email.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment is one file carried by a report email, content base64-encoded.
type Attachment struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Content  string `json:"content"`
}

// EmailConfig is the config block of an email-send job.
type EmailConfig struct {
	From        string       `json:"from,omitempty"`
	To          EmailAddress `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// EmailJob is the job document posted to the downstream email service. The
// report scheduler fills the first attachment's content with the rendered
// CSV.
type EmailJob struct {
	Service string      `json:"service"`
	Type    string      `json:"type"`
	Config  EmailConfig `json:"config"`
}

// Validate checks an email-job template for the fields the scheduler relies
// on.
func (e *EmailJob) Validate() error {
	if e.Service == "" {
		return errors.New("email job service is required")
	}
	if e.Type == "" {
		return errors.New("email job type is required")
	}
	if len(e.Config.Attachments) == 0 {
		return errors.New("email job needs at least one attachment")
	}
	return nil
}

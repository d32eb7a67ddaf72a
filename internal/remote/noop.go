package remote

import (
	"context"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
)

// Noop is the remote store of a local-only deployment. Every call fails with
// ErrUnavailable so the mirror reports writes as local-only.
type Noop struct{}

func (Noop) SaveSubmission(context.Context, sheetmirror.Submission) error { return ErrUnavailable }

func (Noop) LoadSubmissions(context.Context) ([]sheetmirror.Submission, error) {
	return nil, ErrUnavailable
}

func (Noop) LoadActiveSchema(context.Context) (*sheetmirror.Schema, error) {
	return nil, ErrUnavailable
}

func (Noop) SaveSchema(context.Context, sheetmirror.Schema) error { return ErrUnavailable }

func (Noop) UpdateSubmission(context.Context, string, sheetmirror.FieldValues) error {
	return ErrUnavailable
}

func (Noop) DeleteSubmission(context.Context, string) error { return ErrUnavailable }

func (Noop) LoadCustomQA(context.Context) ([]sheetmirror.QAPair, error) {
	return nil, ErrUnavailable
}

func (Noop) SaveCustomQA(context.Context, []sheetmirror.QAPair) error { return ErrUnavailable }

func (Noop) Close() error { return nil }

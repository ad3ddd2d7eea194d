// Package publish holds the media publisher used by the worker. The worker
// treats publisher error text as opaque input to the classifier, so
// implementations should surface provider messages verbatim.
package publish

import (
	"context"

	"channel-publisher/internal/models"
)

// Result is the outcome of a successful publish.
type Result struct {
	ExternalID string
}

// Publisher uploads one job's media for an account.
type Publisher interface {
	Publish(ctx context.Context, account models.Account, job models.Job) (Result, error)
}

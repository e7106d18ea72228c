// Package transcode fans an uploaded asset out into one job per rendition,
// processes those jobs on a pool of queue consumers and folds the job
// outcomes back into the asset status.
package transcode

import (
	"context"

	"github.com/aym-n/pixl/internal/manifest"
	"github.com/aym-n/pixl/internal/models"
	"github.com/aym-n/pixl/internal/queue"
)

// Publisher puts work messages on the queue.
type Publisher interface {
	Publish(ctx context.Context, msg models.WorkMessage) error
}

// Subscriber hands each consumer its own delivery stream.
type Subscriber interface {
	Subscribe(consumer string) queue.Subscription
}

// Encoder produces the rendition output for a local source file.
type Encoder interface {
	Encode(ctx context.Context, input string, profile models.RenditionProfile, output string) error
}

// ManifestBuilder assembles the HLS output of an asset.
type ManifestBuilder interface {
	Build(ctx context.Context, assetID string) (manifest.Result, error)
}

// Notifier receives transcode stage updates. *progress.Notifier implements
// it.
type Notifier interface {
	TranscodeQueued(ctx context.Context, assetID string)
	TranscodeStarted(ctx context.Context, assetID string, rendition models.Rendition)
	TranscodeCompleted(ctx context.Context, assetID string, rendition models.Rendition)
	TranscodeFailed(ctx context.Context, assetID string, rendition models.Rendition, cause error)
	ManifestStarted(ctx context.Context, assetID string)
	Ready(ctx context.Context, assetID string)
	Failed(ctx context.Context, assetID string, cause string)
}

type nopNotifier struct{}

func (nopNotifier) TranscodeQueued(context.Context, string)                          {}
func (nopNotifier) TranscodeStarted(context.Context, string, models.Rendition)       {}
func (nopNotifier) TranscodeCompleted(context.Context, string, models.Rendition)     {}
func (nopNotifier) TranscodeFailed(context.Context, string, models.Rendition, error) {}
func (nopNotifier) ManifestStarted(context.Context, string)                          {}
func (nopNotifier) Ready(context.Context, string)                                    {}
func (nopNotifier) Failed(context.Context, string, string)                           {}

// Outcome is what a worker did with one delivery.
type Outcome int

const (
	// OutcomeCompleted means the job reached COMPLETED.
	OutcomeCompleted Outcome = iota + 1
	// OutcomeFailed means the job reached FAILED.
	OutcomeFailed
	// OutcomeSkipped means the job was already terminal and nothing ran.
	OutcomeSkipped
	// OutcomeDropped means the message referenced no job.
	OutcomeDropped
	// OutcomeRetry means processing was interrupted before a terminal
	// write; the message must be redelivered.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDropped:
		return "dropped"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Acknowledge reports whether the delivery is finished with. Only
// OutcomeRetry leaves the message for redelivery.
func (o Outcome) Acknowledge() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeSkipped, OutcomeDropped:
		return true
	case OutcomeRetry:
		return false
	default:
		return false
	}
}

// Handler processes one work message on behalf of a worker.
type Handler interface {
	Handle(ctx context.Context, workerID string, msg models.WorkMessage) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, workerID string, msg models.WorkMessage) Outcome

func (f HandlerFunc) Handle(ctx context.Context, workerID string, msg models.WorkMessage) Outcome {
	return f(ctx, workerID, msg)
}

// Package intake runs one inbound contact observation through resolution,
// profile image refresh and notification.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/avatar"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Stage string

const (
	StageResolve Stage = "resolve"
	StageAvatar  Stage = "avatar"
	StageNotify  Stage = "notify"
)

type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// StageResult is the typed outcome of one pipeline stage.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Outcome struct {
	Contact       *models.Contact       `json:"contact,omitempty"`
	Action        models.ContactAction  `json:"action,omitempty"`
	MergeOutcomes []models.MergeOutcome `json:"merge_outcomes,omitempty"`
	Stages        []StageResult         `json:"stages"`
}

// Failed reports whether stage ran and failed.
func (o *Outcome) Failed(stage Stage) bool {
	for _, s := range o.Stages {
		if s.Stage == stage {
			return s.Status == StageStatusFailed
		}
	}
	return false
}

type Resolver interface {
	Resolve(ctx context.Context, obs resolver.Observation) (*resolver.Result, error)
}

type ImageAcquirer interface {
	EnsureLocalImage(ctx context.Context, contact models.Contact, remoteURL string, client avatar.ChannelClient) string
}

type ImageStore interface {
	UpdateProfileImage(ctx context.Context, tenantID, id, filename string) error
}

type Notifier interface {
	Notify(ctx context.Context, tenantID string, action models.ContactAction, contact *models.Contact) error
}

type Pipeline struct {
	logger   ectologger.Logger
	resolver Resolver
	images   ImageAcquirer
	store    ImageStore
	channel  avatar.ChannelClient
	notifier Notifier
}

func NewPipeline(logger ectologger.Logger, resolver Resolver) *Pipeline {
	return &Pipeline{
		logger:   logger,
		resolver: resolver,
	}
}

// WithImages enables the avatar stage. channel may be nil.
func (p *Pipeline) WithImages(images ImageAcquirer, store ImageStore, channel avatar.ChannelClient) *Pipeline {
	p.images = images
	p.store = store
	p.channel = channel
	return p
}

// WithNotifier enables the notify stage.
func (p *Pipeline) WithNotifier(notifier Notifier) *Pipeline {
	p.notifier = notifier
	return p
}

// Run resolves obs and then refreshes the image and notifies. Only a resolve
// failure is returned; image and notify failures are recorded in the outcome.
func (p *Pipeline) Run(ctx context.Context, obs resolver.Observation) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Pipeline.Run")
	defer span.End()

	outcome := &Outcome{}

	var result *resolver.Result
	var resolveErr error
	resolveStage := p.runStage(ctx, StageResolve, func(ctx context.Context) error {
		result, resolveErr = p.resolver.Resolve(ctx, obs)
		return resolveErr
	})
	outcome.Stages = append(outcome.Stages, resolveStage)
	if resolveStage.Status == StageStatusFailed {
		if resolveErr == nil {
			resolveErr = fmt.Errorf("resolve stage failed: %s", resolveStage.Error)
		}
		return outcome, resolveErr
	}

	contact := result.Contact
	outcome.Contact = contact
	outcome.Action = result.Action
	outcome.MergeOutcomes = result.MergeOutcomes

	if p.images == nil {
		outcome.Stages = append(outcome.Stages, StageResult{Stage: StageAvatar, Status: StageStatusSkipped})
	} else {
		outcome.Stages = append(outcome.Stages, p.runStage(ctx, StageAvatar, func(ctx context.Context) error {
			return p.refreshImage(ctx, result, obs.ProfilePicURL)
		}))
	}

	if p.notifier == nil {
		outcome.Stages = append(outcome.Stages, StageResult{Stage: StageNotify, Status: StageStatusSkipped})
	} else {
		outcome.Stages = append(outcome.Stages, p.runStage(ctx, StageNotify, func(ctx context.Context) error {
			return p.notifier.Notify(ctx, contact.TenantID, result.Action, contact)
		}))
	}

	return outcome, nil
}

func (p *Pipeline) refreshImage(ctx context.Context, result *resolver.Result, remoteURL string) error {
	contact := result.Contact

	cached := *contact
	cached.ProfilePicURL = result.PreviousPictureURL

	filename := p.images.EnsureLocalImage(ctx, cached, remoteURL, p.channel)
	if filename == contact.ProfileImage && contact.ImageUpdated {
		return nil
	}
	if err := p.store.UpdateProfileImage(ctx, contact.TenantID, contact.ID, filename); err != nil {
		return err
	}
	contact.ProfileImage = filename
	contact.ImageUpdated = true
	return nil
}

// runStage times fn and turns an error or panic into a failed StageResult.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) (res StageResult) {
	ctx, span := tracing.StartSpan(ctx, "intake.Pipeline."+string(stage))
	defer span.End()

	res = StageResult{Stage: stage, Status: StageStatusOK}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Status = StageStatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Status == StageStatusFailed {
			metrics.PipelineStageFailuresTotal.WithLabelValues(string(stage)).Inc()
			p.logger.WithContext(ctx).WithFields(map[string]any{
				"stage": stage,
				"error": res.Error,
			}).Error("Intake stage failed")
		}
	}()

	if err := fn(ctx); err != nil {
		res.Status = StageStatusFailed
		res.Error = err.Error()
	}
	return res
}

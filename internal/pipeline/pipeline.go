// Package pipeline resolves every detected face of a frame to an identity and annotates it.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/andresmejia3/lookout/internal/attributes"
	"github.com/andresmejia3/lookout/internal/faceimg"
	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/sirupsen/logrus"
)

// State tells whether a face was already known.
type State int

const (
	StateRecognized State = iota
	StateNew
)

func (s State) String() string {
	if s == StateNew {
		return "new"
	}
	return "recognized"
}

// Annotation is everything the renderer needs for one face.
type Annotation struct {
	Region      image.Rectangle
	State       State
	ID          string
	Status      string
	Detail      string
	Attributes  *attributes.Attributes
	EstimateErr error
}

// Info is the detail line followed by the enrichment line when there is one.
func (a Annotation) Info() string {
	if a.Attributes == nil {
		return a.Detail
	}
	return a.Detail + "\n" + a.Attributes.String()
}

// Lines returns status and info split for renderers that draw line by line.
func (a Annotation) Lines() []string {
	return append([]string{a.Status}, strings.Split(a.Info(), "\n")...)
}

// Store is the part of identity.Store the loop needs.
type Store interface {
	Get(id string) (identity.Record, bool)
	Touch(id string, at time.Time) (identity.Record, error)
	Create(img *image.Gray) (identity.Record, error)
	Flush() error
}

// Matcher resolves a crop to a stored identity.
type Matcher interface {
	Match(face *image.Gray) (string, bool)
}

// Stats counts what the orchestrator has seen so far.
type Stats struct {
	Frames           int
	Faces            int
	Recognized       int
	New              int
	EstimateFailures int
}

// Orchestrator drives detect, match-or-create, estimate, emit for one frame at a time.
// It is not safe for concurrent use: all store writes come from the goroutine calling it.
type Orchestrator struct {
	store     Store
	matcher   Matcher
	estimator attributes.Estimator
	alerter   Alerter
	now       func() time.Time
	log       logrus.FieldLogger

	abortOnEstimateError bool
	flushEvery           int
	hook                 func(Frame, []Annotation)

	stats Stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAlerter sets the side effect fired for every new identity.
func WithAlerter(a Alerter) Option { return func(o *Orchestrator) { o.alerter = a } }

// WithClock overrides time.Now for last-seen updates.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(o *Orchestrator) { o.log = l } }

// WithAbortOnEstimateError makes an estimation failure abort the whole frame instead of
// leaving that face without age and gender.
func WithAbortOnEstimateError(abort bool) Option {
	return func(o *Orchestrator) { o.abortOnEstimateError = abort }
}

// WithFlushEvery flushes the store every n frames during Run. 0 flushes only on exit.
func WithFlushEvery(n int) Option { return func(o *Orchestrator) { o.flushEvery = n } }

// WithFrameHook is called after every processed frame during Run.
func WithFrameHook(fn func(Frame, []Annotation)) Option { return func(o *Orchestrator) { o.hook = fn } }

// New wires an orchestrator around a single owned store.
func New(store Store, matcher Matcher, est attributes.Estimator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		matcher:   matcher,
		estimator: est,
		alerter:   NopAlerter{},
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stats returns the counters accumulated so far.
func (o *Orchestrator) Stats() Stats { return o.stats }

// ProcessFrame resolves each region of frame independently and in order. Regions are
// clipped to the frame and empty ones dropped. Faces in the same frame never influence
// each other, so two crops of one person may both resolve to the same identity.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frame *image.Gray, regions []image.Rectangle) ([]Annotation, error) {
	anns := make([]Annotation, 0, len(regions))
	for _, r := range regions {
		r = r.Intersect(frame.Bounds())
		crop := faceimg.Crop(frame, r)
		if crop == nil {
			continue
		}
		o.stats.Faces++

		ann, err := o.resolve(crop)
		if err != nil {
			return nil, err
		}
		ann.Region = r

		attrs, err := o.estimator.Estimate(ctx, crop)
		if err != nil {
			o.stats.EstimateFailures++
			if o.abortOnEstimateError {
				return nil, err
			}
			o.log.WithError(err).WithFields(logrus.Fields{"identity": ann.ID, "region": r.String()}).
				Warn("Attribute estimation failed, annotating without age and gender")
			ann.EstimateErr = err
		} else {
			ann.Attributes = &attrs
		}
		anns = append(anns, ann)
	}
	o.stats.Frames++
	return anns, nil
}

func (o *Orchestrator) resolve(crop *image.Gray) (Annotation, error) {
	if id, ok := o.matcher.Match(crop); ok {
		prev, found := o.store.Get(id)
		if !found {
			prev = identity.Record{ID: id, DisplayName: "Unknown"}
		}
		if _, err := o.store.Touch(id, o.now()); err != nil {
			o.log.WithError(err).WithField("identity", id).Warn("Failed to update last seen")
		}
		o.stats.Recognized++
		return Annotation{
			State:  StateRecognized,
			ID:     id,
			Status: "Recognized",
			Detail: fmt.Sprintf("Name: %s, Last Seen: %s", prev.DisplayName, prev.LastSeenText()),
		}, nil
	}

	rec, err := o.store.Create(crop)
	if err != nil {
		return Annotation{}, fmt.Errorf("failed to save new face: %w", err)
	}
	o.stats.New++
	o.log.WithFields(logrus.Fields{"identity": rec.ID, "name": rec.DisplayName}).Info("New face saved")
	o.alerter.Alert()
	return Annotation{
		State:  StateNew,
		ID:     rec.ID,
		Status: "Not Recognized",
		Detail: "New face saved.",
	}, nil
}

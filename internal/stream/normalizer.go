// Package stream normalizes provider-specific Bedrock response streams into
// the uniform client event protocol.
//
// Every provider family supplies a Decoder over its raw stream element type.
// A single state machine (Normalizer) turns decoded steps into events:
//
//	AWAIT_FIRST --first fragment--> STREAMING --terminal--> STOPPED
//
// The first fragment is delivered as message_start, later ones as
// content_block_delta, and exactly one message_stop is sent per stream.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bedrock-chat/internal/domain"
)

// Sink delivers events to one client. Once Alive reports false the sink is
// considered dead and the normalizer stops sending.
type Sink interface {
	Send(ctx context.Context, event any) error
	Alive() bool
}

// Fragment is one decoded increment of model output.
type Fragment struct {
	Text     string
	Citation *domain.Citation
}

// Step is the decoded meaning of one raw stream element. Fragment is nil for
// elements that carry no output; Failure marks a terminal element that
// reports an unsuccessful completion.
type Step struct {
	Fragment *Fragment
	Terminal bool
	Usage    *domain.TokenUsage
	Failure  error
}

// Decoder decodes raw provider stream elements of type E.
type Decoder[E any] interface {
	Decode(elem E) (Step, error)
}

// Source is a provider event stream. The Bedrock SDK event streams satisfy
// it directly.
type Source[E any] interface {
	Events() <-chan E
	Err() error
	Close() error
}

// Result is the aggregate of a completed stream.
type Result struct {
	Text        string
	Usage       domain.TokenUsage
	Citations   []domain.Citation
	CompletedAt time.Time
	Started     bool
	Err         error
	KBSessionID string
}

// DescribeFunc maps an upstream failure to the code and message of the
// error event shown to the client.
type DescribeFunc func(err error) (code, message string)

type state int

const (
	awaitFirst state = iota
	streaming
	stopped
)

// Config identifies the stream being normalized.
type Config struct {
	MessageID       string
	SessionID       string
	NewConversation bool
	Logger          *slog.Logger
	Describe        DescribeFunc
}

// Normalizer is the per-request stream state machine. It is not safe for
// concurrent use; one stream is consumed sequentially.
type Normalizer struct {
	sink     Sink
	cfg      Config
	log      *slog.Logger
	describe DescribeFunc

	state     state
	started   bool
	stopSent  bool
	errSent   bool
	silenced  bool
	counter   int
	text      strings.Builder
	usage     domain.TokenUsage
	citations []domain.Citation
	err       error
}

var now = time.Now

// NewNormalizer creates a Normalizer that delivers one message to sink.
func NewNormalizer(sink Sink, cfg Config) *Normalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	describe := cfg.Describe
	if describe == nil {
		describe = defaultDescribe
	}
	return &Normalizer{
		sink:     sink,
		cfg:      cfg,
		log:      logger.With("message_id", cfg.MessageID, "session_id", cfg.SessionID),
		describe: describe,
	}
}

func defaultDescribe(err error) (string, string) {
	return "UPSTREAM_ERROR", err.Error()
}

// Apply advances the state machine by one decoded step.
func (n *Normalizer) Apply(ctx context.Context, step Step) {
	if step.Usage != nil {
		n.usage = *step.Usage
	}
	if step.Fragment != nil {
		n.fragment(ctx, *step.Fragment)
	}
	if step.Failure != nil {
		n.Fail(ctx, step.Failure)
	}
	if step.Terminal {
		n.stop(ctx)
	}
}

func (n *Normalizer) fragment(ctx context.Context, f Fragment) {
	if n.state == stopped {
		n.log.Debug("dropping fragment after stop")
		return
	}
	n.text.WriteString(f.Text)

	if n.state == awaitFirst {
		n.state = streaming
		n.started = true
		ev := domain.MessageStart{
			Type:      domain.EventMessageStart,
			MessageID: n.cfg.MessageID,
			SessionID: n.cfg.SessionID,
		}
		if f.Text != "" {
			ev.Delta = &domain.TextDelta{Text: f.Text}
		}
		n.send(ctx, ev)
	} else if f.Text != "" {
		n.counter++
		n.send(ctx, domain.ContentBlockDelta{
			Type:           domain.EventContentBlockDelta,
			MessageID:      n.cfg.MessageID,
			Delta:          domain.TextDelta{Text: f.Text},
			MessageCounter: n.counter,
		})
	}

	if f.Citation != nil {
		n.citations = append(n.citations, *f.Citation)
		n.send(ctx, domain.CitationData{
			Type:      domain.EventCitationData,
			MessageID: n.cfg.MessageID,
			Delta:     *f.Citation,
		})
	}
}

// Fail records an upstream failure and emits a single error event.
func (n *Normalizer) Fail(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if n.err == nil {
		n.err = err
	}
	n.log.Error("upstream stream failed", "err", err)
	if n.errSent {
		return
	}
	n.errSent = true
	code, msg := n.describe(err)
	n.send(ctx, domain.ErrorEvent{Type: domain.EventError, Code: code, Error: msg})
}

func (n *Normalizer) stop(ctx context.Context) {
	if n.stopSent {
		return
	}
	if n.state == awaitFirst {
		// Nothing was started; a stop would be unpaired.
		n.state = stopped
		return
	}
	n.state = stopped
	n.stopSent = true
	usage := n.usage
	n.send(ctx, domain.MessageStop{
		Type:            domain.EventMessageStop,
		MessageID:       n.cfg.MessageID,
		SessionID:       n.cfg.SessionID,
		NewConversation: n.cfg.NewConversation,
		Timestamp:       now().UTC().Format(time.RFC3339),
		Usage:           &usage,
	})
}

// Finish closes the stream: a synthetic message_stop is sent when output was
// started but no terminal element arrived.
func (n *Normalizer) Finish(ctx context.Context) Result {
	if n.state == streaming {
		n.log.Warn("stream ended without terminal element")
		n.stop(ctx)
	}
	n.state = stopped
	return Result{
		Text:        n.text.String(),
		Usage:       n.usage,
		Citations:   n.citations,
		CompletedAt: now().UTC(),
		Started:     n.started,
		Err:         n.err,
	}
}

func (n *Normalizer) send(ctx context.Context, event any) {
	if n.silenced || n.sink == nil {
		return
	}
	if err := n.sink.Send(ctx, event); err != nil {
		if !n.sink.Alive() {
			n.silenced = true
			n.log.Info("client gone, continuing without delivery")
			return
		}
		n.log.Warn("failed to deliver event", "event", fmt.Sprintf("%T", event), "err", err)
	}
}

// Consume drains src through dec into n. Undecodable elements are logged and
// skipped; a stream error is reported through n.Fail.
func Consume[E any](ctx context.Context, n *Normalizer, src Source[E], dec Decoder[E]) {
	defer func() {
		if err := src.Close(); err != nil {
			n.log.Debug("closing provider stream", "err", err)
		}
	}()
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			n.Fail(ctx, ctx.Err())
			return
		case elem, ok := <-events:
			if !ok {
				if err := src.Err(); err != nil {
					n.Fail(ctx, err)
				}
				return
			}
			step, err := dec.Decode(elem)
			if err != nil {
				n.log.Warn("skipping undecodable stream element", "err", err)
				continue
			}
			n.Apply(ctx, step)
		}
	}
}

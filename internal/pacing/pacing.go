// Package pacing delays outbound replies so the agent answers at a human
// rhythm: reading time, a typing indicator, a time-of-day response delay and
// the occasional stretch of simulated unavailability.
package pacing

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/domain"
)

const (
	MinReading = 500 * time.Millisecond
	MaxReading = 10 * time.Second

	charsPerWord   = 5
	wordsPerMinute = 200
	// maxReadingChars is a minute of reading, past MaxReading for any
	// jitter in range. Longer messages are counted as this long.
	maxReadingChars = charsPerWord * wordsPerMinute
)

// ReadingDelay returns how long reading a message of length characters
// takes, scaled by (1 + jitter) and clamped to [MinReading, MaxReading].
// jitter is expected in [-0.5, 0.5].
func ReadingDelay(length int, jitter float64) time.Duration {
	length = min(max(length, 0), maxReadingChars)
	ms := float64(length) * 60000 / (charsPerWord * wordsPerMinute) * (1 + jitter)
	return clamp(time.Duration(math.Round(ms*float64(time.Millisecond))), MinReading, MaxReading)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Indicator shows or hides the typing state on the client's chat.
type Indicator interface {
	SetPresence(ctx context.Context, sessionID, to string, p domain.Presence) error
}

// Turn identifies one outbound reply.
type Turn struct {
	SessionID     string
	To            string
	InboundLength int
}

// Plan is the delay schedule for one turn, in execution order.
type Plan struct {
	Surcharge time.Duration
	Reading   time.Duration
	Typing    time.Duration
	Response  time.Duration
}

func (p Plan) Total() time.Duration {
	return p.Surcharge + p.Reading + p.Typing + p.Response
}

type Sleeper func(ctx context.Context, d time.Duration) error

type Engine struct {
	profile Profile
	logger  *zap.Logger
	now     func() time.Time
	sleep   Sleeper

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithSleeper(s Sleeper) Option { return func(e *Engine) { e.sleep = s } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithSeed makes the random draws reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func NewEngine(p Profile, opts ...Option) *Engine {
	if p.Location == nil {
		p.Location = time.Local
	}
	e := &Engine{
		profile: p,
		logger:  zap.NewNop(),
		now:     time.Now,
		sleep:   sleepContext,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Profile() Profile { return e.profile }

func (e *Engine) ReadingDelay(length int) time.Duration {
	return ReadingDelay(length, e.float()-0.5)
}

func (e *Engine) TypingDelay() time.Duration {
	return e.uniform(e.profile.MinTyping, e.profile.MaxTyping)
}

// ResponseDelay draws from the band active at t, clamped to the profile's
// global response range.
func (e *Engine) ResponseDelay(t time.Time) time.Duration {
	b, ok := e.profile.BandAt(t.In(e.profile.Location).Hour())
	if !ok {
		return e.uniform(e.profile.MinResponse, e.profile.MaxResponse)
	}
	return clamp(e.uniform(b.MinDelay, b.MaxDelay), e.profile.MinResponse, e.profile.MaxResponse)
}

// Surcharge returns the simulated unavailability for t, or zero when the
// band's coin flip says the agent is around.
func (e *Engine) Surcharge(t time.Time) time.Duration {
	b, ok := e.profile.BandAt(t.In(e.profile.Location).Hour())
	if !ok || b.UnavailableChance <= 0 {
		return 0
	}
	if e.float() >= b.UnavailableChance {
		return 0
	}
	return e.uniform(b.MinUnavailable, b.MaxUnavailable)
}

func (e *Engine) Plan(inboundLength int) Plan {
	now := e.now()
	return Plan{
		Surcharge: e.Surcharge(now),
		Reading:   e.ReadingDelay(inboundLength),
		Typing:    e.TypingDelay(),
		Response:  e.ResponseDelay(now),
	}
}

// Apply runs the pre-send sequence for one turn and then calls send:
// surcharge, reading, typing on, typing wait, typing off, response wait.
// A cancelled ctx abandons the turn before send is reached. Indicator
// failures are logged and do not stop the sequence.
func (e *Engine) Apply(ctx context.Context, turn Turn, ind Indicator, send func(context.Context) error) error {
	plan := e.Plan(turn.InboundLength)
	logger := e.logger.With(zap.String("session", turn.SessionID), zap.String("to", turn.To))
	logger.Debug("pacing turn",
		zap.Duration("surcharge", plan.Surcharge),
		zap.Duration("reading", plan.Reading),
		zap.Duration("typing", plan.Typing),
		zap.Duration("response", plan.Response))

	if plan.Surcharge > 0 {
		if err := e.sleep(ctx, plan.Surcharge); err != nil {
			return err
		}
	}
	if err := e.sleep(ctx, plan.Reading); err != nil {
		return err
	}

	e.presence(ctx, logger, ind, turn, domain.PresenceTyping)
	if err := e.sleep(ctx, plan.Typing); err != nil {
		return err
	}
	e.presence(ctx, logger, ind, turn, domain.PresenceIdle)

	if err := e.sleep(ctx, plan.Response); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return send(ctx)
}

func (e *Engine) presence(ctx context.Context, logger *zap.Logger, ind Indicator, turn Turn, p domain.Presence) {
	if ind == nil {
		return
	}
	if err := ind.SetPresence(ctx, turn.SessionID, turn.To, p); err != nil {
		logger.Warn("set presence failed", zap.String("presence", string(p)), zap.Error(err))
	}
}

func (e *Engine) float() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo + time.Duration(e.rng.Int64N(int64(hi-lo)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

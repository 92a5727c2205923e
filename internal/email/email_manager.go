package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrChannelFull is returned by Submit when the send buffer is saturated
	ErrChannelFull = errors.New("email channel full")
	// ErrManagerClosed is returned by Submit after Close
	ErrManagerClosed   = errors.New("email channel closed")
	ErrUnknownTemplate = errors.New("unknown email template")
	ErrNoRecipient     = errors.New("email recipient is required")
)

// EmailSender delivers one rendered email
type EmailSender interface {
	SendEmail(ctx context.Context, to string, tmpl EmailTemplate) error
}

// TemplateGenerator renders a template kind for a recipient
type TemplateGenerator interface {
	Generate(kind EmailType, data TemplateData) (EmailTemplate, error)
}

// ManagerOptions tunes the asynchronous send loop
type ManagerOptions struct {
	Workers         int
	Buffer          int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
	SendTimeout     time.Duration
	// RatePerSecond caps provider calls across workers; 0 disables the cap
	RatePerSecond float64
}

func (o *ManagerOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
}

type outgoing struct {
	to   string
	tmpl EmailTemplate
}

// EmailManager centralizes all email sending. Submit renders synchronously and
// queues the message; workers own delivery and retry.
type EmailManager struct {
	sender    EmailSender
	generator TemplateGenerator
	opts      ManagerOptions
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan outgoing
	wg     sync.WaitGroup
}

// NewEmailManager creates a new email manager. Call Start to begin sending.
func NewEmailManager(sender EmailSender, generator TemplateGenerator, opts ManagerOptions, logger *zap.Logger) *EmailManager {
	opts.setDefaults()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &EmailManager{
		sender:    sender,
		generator: generator,
		opts:      opts,
		limiter:   limiter,
		logger:    logger,
		queue:     make(chan outgoing, opts.Buffer),
	}
}

// Start launches the send workers. They run until Close drains the buffer
// or ctx is cancelled.
func (m *EmailManager) Start(ctx context.Context) {
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.work(ctx)
		}()
	}
}

// Submit renders the template and hands it to the send loop. It never blocks
// on the network.
func (m *EmailManager) Submit(ctx context.Context, to string, kind EmailType, data TemplateData) error {
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tmpl, err := m.generator.Generate(kind, data)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	select {
	case m.queue <- outgoing{to: to, tmpl: tmpl}:
		return nil
	default:
		m.logger.Warn("email channel full, dropping message",
			zap.String("to", to),
			zap.String("type", kind.String()))
		return ErrChannelFull
	}
}

// Close stops accepting messages and waits for queued ones to be sent
func (m *EmailManager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *EmailManager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.queue:
			if !ok {
				return
			}
			m.send(ctx, msg)
		}
	}
}

func (m *EmailManager) send(ctx context.Context, msg outgoing) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialInterval
	b.MaxInterval = m.opts.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if err := m.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
		defer cancel()
		return m.sender.SendEmail(sendCtx, msg.to, msg.tmpl)
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("email send failed, retrying",
			zap.String("to", msg.to),
			zap.String("type", msg.tmpl.Type.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, m.opts.MaxRetries), ctx), notify)
	if err != nil {
		m.logger.Error("failed to send email",
			zap.String("to", msg.to),
			zap.String("type", msg.tmpl.Type.String()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return
	}
	m.logger.Info("email sent",
		zap.String("to", msg.to),
		zap.String("type", msg.tmpl.Type.String()))
}

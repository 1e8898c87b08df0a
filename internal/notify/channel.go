package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Channel delivers a single payload.
type Channel interface {
	Send(ctx context.Context, p Payload) error
}

// SMTPOptions configure the SMTP channel.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is mandatory, opportunistic or none.
	TLS string
}

// SMTPChannel sends payloads through an SMTP relay.
type SMTPChannel struct {
	opts    SMTPOptions
	options []mail.Option
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSMTPChannel constructs an SMTP channel. Credentials switch on AUTH PLAIN,
// and a relay that does not offer it fails the send instead of being skipped.
func NewSMTPChannel(opts SMTPOptions, logger zerolog.Logger) (*SMTPChannel, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if opts.From == "" {
		return nil, errors.New("smtp sender address is required")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}

	policy, err := tlsPolicy(opts)
	if err != nil {
		return nil, err
	}
	options := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(policy),
	}
	if opts.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	if _, err := mail.NewClient(opts.Host, options...); err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	return &SMTPChannel{
		opts:    opts,
		options: options,
		now:     time.Now,
		logger:  logger.With().Str("component", "smtp").Logger(),
	}, nil
}

func tlsPolicy(opts SMTPOptions) (mail.TLSPolicy, error) {
	switch opts.TLS {
	case "":
		if opts.Username != "" {
			return mail.TLSMandatory, nil
		}
		return mail.TLSOpportunistic, nil
	case "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	default:
		return 0, fmt.Errorf("unknown smtp tls policy %q", opts.TLS)
	}
}

// Send delivers one message on its own connection, bounded by ctx.
func (c *SMTPChannel) Send(ctx context.Context, p Payload) error {
	msg, err := BuildMessage(c.opts.From, p, c.now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	client, err := mail.NewClient(c.opts.Host, c.options...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", p.To, err)
	}

	c.logger.Debug().Str("to", p.To).Str("user_id", p.UserID.String()).Msg("message accepted by relay")
	return nil
}

// LogChannel writes payload summaries to the log instead of delivering them.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel constructs a log-only channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "log_channel").Logger()}
}

// Send logs the payload.
func (c *LogChannel) Send(_ context.Context, p Payload) error {
	c.logger.Info().
		Str("to", p.To).
		Str("user_id", p.UserID.String()).
		Str("subject", p.Subject).
		Bool("chart", len(p.Chart) > 0).
		Str("text", p.Text).
		Msg("notification (log channel)")
	return nil
}

var (
	_ Channel = (*SMTPChannel)(nil)
	_ Channel = (*LogChannel)(nil)
)

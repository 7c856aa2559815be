package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"wa-inbox/internal/domain"
	"wa-inbox/internal/metrics"
)

// Messenger delivers a text message through the messaging API.
type Messenger interface {
	Send(ctx context.Context, to, text string) (domain.SendReceipt, error)
}

// Table is the spreadsheet-backed message log.
type Table interface {
	Append(ctx context.Context, destinationID, rng string, row []string) (domain.AppendResult, error)
	ReadAll(ctx context.Context, destinationID, rng string) ([][]string, error)
}

type SendInput struct {
	To      string
	Message string
}

type SendOutput struct {
	Result    json.RawMessage
	MessageID string
	Row       []string
	Logged    domain.AppendResult
}

// SendService relays one outbound message and logs it. The send is attempted
// at most once; a failed log append after a successful send is reported but
// not compensated.
type SendService struct {
	messenger     Messenger
	table         Table
	codec         domain.Codec
	destinationID string
	rng           string

	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

type SendOption func(*SendService)

// WithRateLimit caps accepted sends per second for this process. A
// non-positive rate disables the cap.
func WithRateLimit(perSecond float64, burst int) SendOption {
	return func(s *SendService) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithClock(now func() time.Time) SendOption {
	return func(s *SendService) {
		s.now = now
	}
}

func WithLogger(l *slog.Logger) SendOption {
	return func(s *SendService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSendService(m Messenger, t Table, codec domain.Codec, destinationID, rng string, opts ...SendOption) (*SendService, error) {
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if t == nil {
		return nil, errors.New("usecase: table must not be nil")
	}
	if strings.TrimSpace(destinationID) == "" {
		return nil, errors.New("usecase: destination id must not be empty")
	}
	if strings.TrimSpace(rng) == "" {
		return nil, errors.New("usecase: range must not be empty")
	}
	if codec.Convention == domain.ConventionPrefix && strings.TrimSpace(codec.BotID) == "" {
		return nil, errors.New("usecase: prefix convention requires a bot identifier")
	}
	s := &SendService{
		messenger:     m,
		table:         t,
		codec:         codec,
		destinationID: destinationID,
		rng:           rng,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SendService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	to := strings.TrimSpace(in.To)
	if to == "" || strings.TrimSpace(in.Message) == "" {
		metrics.SendsTotal.WithLabelValues("invalid").Inc()
		return SendOutput{}, newError(ErrorValidation, "missing_to_or_message", nil)
	}
	to, err := s.codec.Recipient(to)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("invalid").Inc()
		return SendOutput{}, newError(ErrorValidation, "recipient_not_numeric", err)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.SendsTotal.WithLabelValues("rate_limited").Inc()
		return SendOutput{}, newError(ErrorRateLimited, "send_rate_limited", nil)
	}

	start := time.Now()
	receipt, err := s.messenger.Send(ctx, to, in.Message)
	metrics.UpstreamLatency.WithLabelValues("whatsapp").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.ErrorContext(ctx, "send failed", "to", to, "err", err)
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			metrics.SendsTotal.WithLabelValues("rate_limited").Inc()
			return SendOutput{}, newError(ErrorUpstream, "whatsapp_rate_limited", err)
		}
		metrics.SendsTotal.WithLabelValues("upstream_error").Inc()
		return SendOutput{}, newError(ErrorUpstream, "whatsapp_error", err)
	}
	s.logger.InfoContext(ctx, "message sent", "to", to, "message_id", receipt.MessageID)

	row := s.codec.EncodeOutbound(to, in.Message, s.now().Unix())
	start = time.Now()
	logged, err := s.table.Append(ctx, s.destinationID, s.rng, row)
	metrics.UpstreamLatency.WithLabelValues("table_append").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.ErrorContext(ctx, "message delivered but not logged",
			"to", to, "message_id", receipt.MessageID, "err", err)
		metrics.SendsTotal.WithLabelValues("log_error").Inc()
		return SendOutput{}, tableError("write", err)
	}
	s.logger.InfoContext(ctx, "message logged", "to", to, "range", logged.UpdatedRange)
	metrics.SendsTotal.WithLabelValues("sent").Inc()

	return SendOutput{
		Result:    receipt.Raw,
		MessageID: receipt.MessageID,
		Row:       row,
		Logged:    logged,
	}, nil
}

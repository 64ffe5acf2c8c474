// Package tracking resolves open-pixel and click-redirect hits against the
// single-use tokens created when an email step is dispatched.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/store"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Pixel returns a copy of the tracking pixel bytes.
func Pixel() []byte {
	return append([]byte(nil), pixelGIF...)
}

// Recorder receives tracking observations. A nil Recorder is ignored.
type Recorder interface {
	TokenResolved(tokenType domain.TokenType, outcome string)
}

// Resolution outcomes reported to the Recorder.
const (
	OutcomeRecorded = "recorded"
	OutcomeRepeat   = "repeat"
	OutcomeUnknown  = "unknown"
	OutcomeError    = "error"
)

// Service records engagement from tracking tokens. Resolution never fails
// visibly: unknown tokens and store errors produce the neutral response.
type Service struct {
	uow       store.UnitOfWork
	tokens    store.TrackingStore
	publisher EventPublisher
	clock     clock.Clock
	recorder  Recorder
	log       *logger.Logger
}

// NewService creates a tracking service. publisher may be nil.
func NewService(uow store.UnitOfWork, tokens store.TrackingStore, publisher EventPublisher, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{uow: uow, tokens: tokens, publisher: publisher, clock: clk, log: logger.Named("tracking")}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// TrackOpen records the first open for an OPEN token and always returns the
// pixel bytes.
func (s *Service) TrackOpen(ctx context.Context, token, userAgent, ip string) []byte {
	s.resolve(ctx, token, domain.TokenOpen, userAgent, ip)
	return Pixel()
}

// TrackClick records the first click for a CLICK token and returns its
// target URL. The boolean is false when the token is unknown.
func (s *Service) TrackClick(ctx context.Context, token, userAgent, ip string) (string, bool) {
	t := s.resolve(ctx, token, domain.TokenClick, userAgent, ip)
	if t == nil || t.TargetURL == "" {
		return "", false
	}
	return t.TargetURL, true
}

// resolve looks up token and, on its first use, marks it triggered and
// stamps the message log. It returns nil for unknown or mistyped tokens.
func (s *Service) resolve(ctx context.Context, token string, want domain.TokenType, userAgent, ip string) *domain.TrackingToken {
	if token == "" {
		s.observe(want, OutcomeUnknown)
		return nil
	}
	t, err := s.tokens.GetToken(ctx, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error("token lookup failed", "error", err)
		}
		s.observe(want, OutcomeUnknown)
		return nil
	}
	if t.Type != want {
		s.observe(want, OutcomeUnknown)
		return nil
	}
	if t.Triggered {
		s.observe(want, OutcomeRepeat)
		return t
	}

	now := s.clock.Now()
	triggered, _ := domain.Trigger(*t, userAgent, ip, now)
	var msg *domain.MessageLog
	won := false
	err = s.uow.WithinTx(ctx, func(ctx context.Context, st store.Stores) error {
		ok, err := st.Tokens.MarkTriggered(ctx, &triggered)
		if err != nil || !ok {
			return err
		}
		won = true
		m, err := st.Messages.GetMessageLog(ctx, t.MessageLogID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load message log: %w", err)
		}
		if want == domain.TokenOpen {
			*m = domain.MarkOpened(*m, now)
		} else {
			*m = domain.MarkClicked(*m, now)
		}
		msg = m
		return st.Messages.UpdateMessageLog(ctx, m)
	})
	if err != nil {
		s.log.Error("record engagement failed", "token_type", string(want), "error", err)
		s.observe(want, OutcomeError)
		return t
	}
	if !won {
		s.observe(want, OutcomeRepeat)
		return t
	}
	s.observe(want, OutcomeRecorded)

	if msg != nil && s.publisher != nil {
		evt := domain.EngagementEvent{
			Type:         want,
			MessageLogID: msg.ID,
			CampaignID:   msg.CampaignID,
			EnrollmentID: msg.EnrollmentID,
			MemberID:     msg.MemberID,
			TargetURL:    t.TargetURL,
			UserAgent:    userAgent,
			IPAddress:    ip,
			OccurredAt:   now,
		}
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Warn("publish engagement event failed", "message_log_id", msg.ID, "error", err)
		}
	}
	return t
}

func (s *Service) observe(t domain.TokenType, outcome string) {
	if s.recorder != nil {
		s.recorder.TokenResolved(t, outcome)
	}
}

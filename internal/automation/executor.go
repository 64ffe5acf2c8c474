package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liyaqa/drip-engine/internal/dispatch"
	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

// Failure reasons recorded on the message log.
const (
	ReasonNoEmail = "No email address"
	ReasonNoPhone = "No phone number"
)

// executeStep logs, renders and dispatches one step. Dispatch failures are
// recorded on the message log and do not return an error; only store
// failures do.
func (s *Scheduler) executeStep(ctx context.Context, st store.Stores, e domain.Enrollment, campaign *domain.Campaign, member *domain.Member, step domain.CampaignStep, now time.Time) error {
	msg := domain.NewMessageLog(s.opts.NewID(), e, step, now)
	if err := st.Messages.CreateMessageLog(ctx, &msg); err != nil {
		return fmt.Errorf("create message log: %w", err)
	}

	lang := member.Language
	subject := s.personalizer.Render(step.Subject.Get(lang), member, lang)
	if subject == "" {
		subject = campaign.Name
	}
	body := s.personalizer.Render(step.Body.Get(lang), member, lang)

	providerID, sendErr := s.send(ctx, st, msg, step.Channel, member, subject, body, now)
	switch {
	case sendErr == nil:
		msg = domain.MarkSent(msg, providerID, now)
	case s.stubbed(step.Channel, sendErr):
		s.log.Warn("channel has no sender, marking sent without delivery",
			"channel", string(step.Channel), "enrollment_id", e.ID, "step", step.StepNumber)
		msg = domain.MarkSent(msg, "", now)
	default:
		s.log.Warn("step dispatch failed",
			"channel", string(step.Channel), "enrollment_id", e.ID, "step", step.StepNumber, "error", sendErr)
		msg = domain.MarkFailed(msg, sendErr.Error())
	}

	if err := st.Messages.UpdateMessageLog(ctx, &msg); err != nil {
		return fmt.Errorf("update message log: %w", err)
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.StepDispatched(step.Channel, msg.Status)
	}
	return nil
}

// send dispatches content on channel and returns the provider message id.
func (s *Scheduler) send(ctx context.Context, st store.Stores, msg domain.MessageLog, channel domain.Channel, member *domain.Member, subject, body string, now time.Time) (string, error) {
	switch channel {
	case domain.ChannelEmail:
		if member.Email == "" {
			return "", errors.New(ReasonNoEmail)
		}
		html, tokens, err := InstrumentEmail(body, msg.ID, s.opts.TrackingBaseURL, now)
		if err != nil {
			return "", err
		}
		if err := st.Tokens.CreateTokens(ctx, tokens); err != nil {
			return "", fmt.Errorf("create tracking tokens: %w", err)
		}
		return s.gateway.SendEmail(ctx, member.ID, member.Email, subject, html)

	case domain.ChannelSMS:
		if member.Phone == "" {
			return "", errors.New(ReasonNoPhone)
		}
		return s.gateway.SendSMS(ctx, member.ID, member.Phone, body)

	case domain.ChannelWhatsApp:
		ws, ok := s.gateway.(dispatch.WhatsAppSender)
		if !ok {
			return "", fmt.Errorf("whatsapp: %w", dispatch.ErrChannelNotConfigured)
		}
		if member.Phone == "" {
			return "", errors.New(ReasonNoPhone)
		}
		return ws.SendWhatsApp(ctx, member.ID, member.Phone, body)

	case domain.ChannelPush:
		ps, ok := s.gateway.(dispatch.PushSender)
		if !ok {
			return "", fmt.Errorf("push: %w", dispatch.ErrChannelNotConfigured)
		}
		return ps.SendPush(ctx, member.ID, subject, body)
	}
	return "", fmt.Errorf("unknown channel %q", channel)
}

// stubbed reports whether a send error is the missing-sender case of a
// channel that may be stubbed.
func (s *Scheduler) stubbed(channel domain.Channel, err error) bool {
	if !s.opts.StubUnsupportedChannels {
		return false
	}
	if channel != domain.ChannelWhatsApp && channel != domain.ChannelPush {
		return false
	}
	return errors.Is(err, dispatch.ErrChannelNotConfigured)
}

// Package pipeline implements the webhook ingestion pipeline and the
// outbound delivery pipeline that sit between channel adapters and bots.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/bots"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/conversation"
	"github.com/memohai/connector/internal/forwarder"
)

// ChannelLoader loads channels by id.
type ChannelLoader interface {
	Get(ctx context.Context, id string) (channel.Channel, error)
}

// BotLoader loads bots by id.
type BotLoader interface {
	Get(ctx context.Context, id string) (bots.Bot, error)
}

// Conversations is the conversation aggregate used by the pipeline.
type Conversations interface {
	History
	Open(ctx context.Context, ch channel.Channel, chatID string, metadata map[string]any) (conversation.Conversation, error)
	EnsureParticipant(ctx context.Context, conv conversation.Conversation, senderID string, isBot bool) (conversation.Participant, bool, error)
	SetParticipantData(ctx context.Context, p conversation.Participant, data map[string]any) error
}

// Forwarder posts inbound messages to bots.
type Forwarder interface {
	Send(ctx context.Context, url string, req forwarder.Request) (forwarder.Response, error)
}

// Ingestor runs inbound webhooks through the channel's adapter, persists
// the message, forwards it to the bot and delivers the bot's reply.
type Ingestor struct {
	channels      ChannelLoader
	registry      *channel.Registry
	conversations Conversations
	bots          BotLoader
	forwarder     Forwarder
	delivery      *Deliverer
	logger        *slog.Logger
}

func NewIngestor(log *slog.Logger, channels ChannelLoader, registry *channel.Registry, conversations Conversations, botLoader BotLoader, fwd Forwarder, delivery *Deliverer) *Ingestor {
	return &Ingestor{
		channels:      channels,
		registry:      registry,
		conversations: conversations,
		bots:          botLoader,
		forwarder:     fwd,
		delivery:      delivery,
		logger:        log.With(slog.String("component", "ingest")),
	}
}

// Verify answers a synchronous webhook verification request.
func (p *Ingestor) Verify(ctx context.Context, channelID string, req *channel.WebhookRequest) (channel.Reply, error) {
	ch, err := p.channels.Get(ctx, channelID)
	if err != nil {
		return channel.Reply{}, err
	}
	drv, err := p.registry.Dispatch(ch.Type)
	if err != nil {
		return channel.Reply{}, err
	}
	return drv.VerifyWebhook(ctx, req, ch)
}

// Handle processes one inbound webhook call for channelID.
func (p *Ingestor) Handle(ctx context.Context, channelID string, req *channel.WebhookRequest) (channel.Reply, error) {
	ch, err := p.channels.Get(ctx, channelID)
	if err != nil {
		return channel.Reply{}, err
	}
	if !ch.IsActivated {
		return channel.Reply{}, apperr.BadRequest("channel %s is not activated", ch.ID)
	}
	drv, err := p.registry.Dispatch(ch.Type)
	if err != nil {
		return channel.Reply{}, err
	}

	dispatched := drv.BeforePipeline(ctx, req, ch)
	switch dispatched.Kind() {
	case channel.OutcomeStop:
		return stopReply(dispatched.Payload()), nil
	case channel.OutcomeReject:
		return channel.Reply{}, dispatched.Err()
	}
	if resolved := dispatched.Value(); resolved.ID != ch.ID {
		ch = resolved
		if !ch.IsActivated {
			return channel.Reply{}, apperr.BadRequest("channel %s is not activated", ch.ID)
		}
		if drv, err = p.registry.Dispatch(ch.Type); err != nil {
			return channel.Reply{}, err
		}
	}

	rc, err := drv.ExtractContext(req, ch)
	if err != nil {
		return channel.Reply{}, err
	}
	if err := drv.Authenticate(ctx, req, ch); err != nil {
		return channel.Reply{}, err
	}
	raw, err := drv.RawMessage(ctx, req, ch, rc)
	if err != nil {
		return channel.Reply{}, err
	}
	return p.process(ctx, drv, ch, rc, raw)
}

func (p *Ingestor) process(ctx context.Context, drv channel.Driver, ch channel.Channel, rc channel.RoutingContext, raw channel.RawMessage) (channel.Reply, error) {
	conv, err := p.conversations.Open(ctx, ch, rc.ChatID, rc.Metadata)
	if err != nil {
		return channel.Reply{}, err
	}
	view := conv.View()

	parsed := drv.ParseMessage(ctx, ch, view, raw, rc)
	switch parsed.Kind() {
	case channel.OutcomeStop:
		return stopReply(parsed.Payload()), nil
	case channel.OutcomeReject:
		return channel.Reply{}, parsed.Err()
	}

	participant, created, err := p.conversations.EnsureParticipant(ctx, conv, rc.SenderID, false)
	if err != nil {
		return channel.Reply{}, err
	}
	if created {
		p.populateProfile(ctx, drv, ch, view, participant)
	}
	persisted, err := p.conversations.Append(ctx, conv, participant, parsed.Value())
	if err != nil {
		return channel.Reply{}, fmt.Errorf("persist inbound message: %w", err)
	}

	if !drv.Synchronous() {
		if err := drv.SendTyping(ctx, ch, view); err != nil {
			p.logger.Warn("typing indicator failed",
				slog.String("channel_type", ch.Type.String()),
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err),
			)
		}
	}

	bot, err := p.bots.Get(ctx, ch.BotID)
	if err != nil {
		return channel.Reply{}, err
	}
	resp, err := p.forwarder.Send(ctx, bot.URL, forwarder.Request{
		Message:  persisted[0],
		ChatID:   rc.ChatID,
		SenderID: rc.SenderID,
	})
	if err != nil {
		return channel.Reply{}, err
	}

	result, err := p.delivery.Deliver(ctx, ch, conv, resp.Messages)
	if err != nil {
		p.logger.Error("deliver bot reply failed",
			slog.String("channel_type", ch.Type.String()),
			slog.String("channel_slug", ch.Slug),
			slog.String("conversation_id", conv.ID),
			slog.Int("delivered", result.Delivered),
			slog.Any("error", err),
		)
		return channel.Reply{}, err
	}
	if drv.Synchronous() {
		return channel.Reply{Status: http.StatusOK, Body: result.Reply}, nil
	}
	return channel.DefaultReply(), nil
}

func (p *Ingestor) populateProfile(ctx context.Context, drv channel.Driver, ch channel.Channel, conv channel.Conversation, participant conversation.Participant) {
	profile, err := drv.FetchProfile(ctx, ch, conv, participant.SenderID)
	if err != nil {
		p.logger.Warn("fetch participant profile failed",
			slog.String("channel_type", ch.Type.String()),
			slog.String("sender_id", participant.SenderID),
			slog.Any("error", err),
		)
		return
	}
	if len(profile) == 0 {
		return
	}
	if err := p.conversations.SetParticipantData(ctx, participant, profile); err != nil {
		p.logger.Warn("store participant profile failed", slog.Any("error", err))
	}
}

func stopReply(payload any) channel.Reply {
	if payload == nil {
		return channel.DefaultReply()
	}
	if reply, ok := payload.(channel.Reply); ok {
		reply.Status = http.StatusOK
		return reply
	}
	return channel.Reply{Status: http.StatusOK, Body: payload}
}

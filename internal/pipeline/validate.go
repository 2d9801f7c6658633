package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// BatchValidator checks a bot reply batch against the attachment schema.
type BatchValidator struct {
	v *validator.Validate
}

func NewBatchValidator() *BatchValidator {
	return &BatchValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate returns a FormatError for the first invalid message. A batch is
// accepted or rejected as a whole.
func (b *BatchValidator) Validate(msgs []channel.Attachment) error {
	for i, msg := range msgs {
		if err := b.validateOne(msg); err != nil {
			return apperr.Format("invalid message %d (%s): %v", i+1, msg.Type, err)
		}
	}
	return nil
}

func (b *BatchValidator) validateOne(msg channel.Attachment) error {
	switch msg.Normalized().Type {
	case channel.AttachmentText:
		return b.stringContent(msg, "required")
	case channel.AttachmentPicture, channel.AttachmentVideo, channel.AttachmentAudio:
		return b.stringContent(msg, "required,url")
	case channel.AttachmentCard:
		var card channel.Card
		if err := decodeContent(msg, &card); err != nil {
			return err
		}
		return b.v.Struct(card)
	case channel.AttachmentButtons, channel.AttachmentQuickReplies:
		var content channel.ButtonsContent
		if err := decodeContent(msg, &content); err != nil {
			return err
		}
		return b.v.Struct(content)
	case channel.AttachmentCarousel:
		var cards []channel.Card
		if err := decodeContent(msg, &cards); err != nil {
			return err
		}
		if len(cards) == 0 {
			return fmt.Errorf("carousel requires at least one card")
		}
		for i, card := range cards {
			if err := b.v.Struct(card); err != nil {
				return fmt.Errorf("card %d: %w", i+1, err)
			}
		}
		return nil
	case channel.AttachmentList:
		var list channel.ListContent
		if err := decodeContent(msg, &list); err != nil {
			return err
		}
		return b.v.Struct(list)
	case channel.AttachmentCustom:
		if len(msg.Content) == 0 || string(msg.Content) == "null" {
			return fmt.Errorf("custom content is required")
		}
		return nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported message type")
	}
}

func (b *BatchValidator) stringContent(msg channel.Attachment, tag string) error {
	var s string
	if err := decodeContent(msg, &s); err != nil {
		return fmt.Errorf("content must be a string")
	}
	return b.v.Var(s, tag)
}

func decodeContent(msg channel.Attachment, v any) error {
	if len(msg.Content) == 0 {
		return fmt.Errorf("content is required")
	}
	if err := json.Unmarshal(msg.Content, v); err != nil {
		return fmt.Errorf("malformed content: %w", err)
	}
	return nil
}

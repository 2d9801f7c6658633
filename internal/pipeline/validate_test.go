package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

func TestBatchValidator(t *testing.T) {
	t.Parallel()

	button := []map[string]string{{"type": "postback", "title": "Yes", "value": "yes"}}
	tests := []struct {
		name  string
		msg   channel.Attachment
		valid bool
	}{
		{"text", channel.TextAttachment("hi"), true},
		{"empty text", channel.TextAttachment(""), false},
		{"text object", channel.NewAttachment(channel.AttachmentText, map[string]string{"a": "b"}), false},
		{"picture url", channel.NewAttachment(channel.AttachmentPicture, "https://example.com/a.png"), true},
		{"picture not url", channel.NewAttachment(channel.AttachmentPicture, "a.png"), false},
		{"video missing", channel.Attachment{Type: channel.AttachmentVideo}, false},
		{"quick replies", channel.NewAttachment(channel.AttachmentQuickReplies, map[string]any{"title": "Pick", "buttons": button}), true},
		{"quick replies no buttons", channel.NewAttachment(channel.AttachmentQuickReplies, map[string]any{}), false},
		{"buttons no buttons", channel.NewAttachment(channel.AttachmentButtons, map[string]any{"title": "x"}), false},
		{"card", channel.NewAttachment(channel.AttachmentCard, map[string]any{"title": "t", "buttons": button}), true},
		{"card no buttons", channel.NewAttachment(channel.AttachmentCard, map[string]any{"title": "t"}), false},
		{"button without title", channel.NewAttachment(channel.AttachmentCard, map[string]any{"buttons": []map[string]string{{"value": "v"}}}), false},
		{"carouselle alias", channel.NewAttachment(channel.AttachmentCarouselle, []map[string]any{{"title": "t", "buttons": button}}), true},
		{"empty carousel", channel.NewAttachment(channel.AttachmentCarousel, []map[string]any{}), false},
		{"list", channel.NewAttachment(channel.AttachmentList, map[string]any{"elements": []map[string]any{{"title": "e"}}}), true},
		{"list no elements", channel.NewAttachment(channel.AttachmentList, map[string]any{"elements": []any{}}), false},
		{"custom", channel.NewAttachment(channel.AttachmentCustom, map[string]any{"x": 1}), true},
		{"custom empty", channel.Attachment{Type: channel.AttachmentCustom}, false},
		{"conversation end", channel.Attachment{Type: channel.AttachmentConversationEnd}, true},
		{"bogus type", channel.Attachment{Type: "hologram"}, false},
	}
	v := NewBatchValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]channel.Attachment{tt.msg})
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.IsKind(err, apperr.KindFormat), "err = %v", err)
		})
	}
}

func TestBatchValidatorRejectsWholeBatch(t *testing.T) {
	t.Parallel()

	err := NewBatchValidator().Validate([]channel.Attachment{
		channel.TextAttachment("fine"),
		channel.NewAttachment(channel.AttachmentQuickReplies, map[string]any{}),
	})
	assert.ErrorContains(t, err, "invalid message 2")
}

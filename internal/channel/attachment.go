package channel

import (
	"encoding/json"
	"fmt"
)

// AttachmentType is the discriminant of the canonical attachment union.
type AttachmentType string

const (
	AttachmentText              AttachmentType = "text"
	AttachmentPicture           AttachmentType = "picture"
	AttachmentVideo             AttachmentType = "video"
	AttachmentAudio             AttachmentType = "audio"
	AttachmentCard              AttachmentType = "card"
	AttachmentCarousel          AttachmentType = "carousel"
	AttachmentCarouselle        AttachmentType = "carouselle"
	AttachmentList              AttachmentType = "list"
	AttachmentButtons           AttachmentType = "buttons"
	AttachmentQuickReplies      AttachmentType = "quickReplies"
	AttachmentCustom            AttachmentType = "custom"
	AttachmentConversationStart AttachmentType = "conversation_start"
	AttachmentConversationEnd   AttachmentType = "conversation_end"
)

// Attachment is the platform-neutral content of one message.
type Attachment struct {
	Type    AttachmentType  `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Button types understood by formatters.
const (
	ButtonPostback    = "postback"
	ButtonWebURL      = "web_url"
	ButtonPhoneNumber = "phonenumber"
)

type Button struct {
	Type  string `json:"type,omitempty"`
	Title string `json:"title" validate:"required"`
	Value string `json:"value"`
}

type Card struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Buttons  []Button `json:"buttons" validate:"required,dive"`
}

// ButtonsContent is the content of buttons and quickReplies attachments.
type ButtonsContent struct {
	Title   string   `json:"title"`
	Buttons []Button `json:"buttons" validate:"required,dive"`
}

type ListElement struct {
	Title    string   `json:"title" validate:"required"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Buttons  []Button `json:"buttons,omitempty" validate:"omitempty,dive"`
}

type ListContent struct {
	Elements []ListElement `json:"elements" validate:"required,min=1,dive"`
	Buttons  []Button      `json:"buttons,omitempty" validate:"omitempty,dive"`
}

// NewAttachment builds an attachment from any JSON-encodable content.
func NewAttachment(t AttachmentType, content any) Attachment {
	if content == nil {
		return Attachment{Type: t}
	}
	data, err := json.Marshal(content)
	if err != nil {
		return Attachment{Type: t}
	}
	return Attachment{Type: t, Content: data}
}

// TextAttachment is shorthand for a text attachment.
func TextAttachment(text string) Attachment {
	return NewAttachment(AttachmentText, text)
}

// Normalized folds aliases onto their canonical type.
func (a Attachment) Normalized() Attachment {
	if a.Type == AttachmentCarouselle {
		a.Type = AttachmentCarousel
	}
	return a
}

// Text returns the content when it is a JSON string, or "".
func (a Attachment) Text() string {
	var s string
	if len(a.Content) == 0 || json.Unmarshal(a.Content, &s) != nil {
		return ""
	}
	return s
}

// Decode unmarshals the content into v.
func (a Attachment) Decode(v any) error {
	if len(a.Content) == 0 {
		return fmt.Errorf("%s attachment has no content", a.Type)
	}
	if err := json.Unmarshal(a.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", a.Type, err)
	}
	return nil
}

// Card decodes card content.
func (a Attachment) Card() (Card, error) {
	var c Card
	err := a.Decode(&c)
	return c, err
}

// Buttons decodes buttons or quickReplies content.
func (a Attachment) Buttons() (ButtonsContent, error) {
	var b ButtonsContent
	err := a.Decode(&b)
	return b, err
}

// Carousel decodes carousel content.
func (a Attachment) Carousel() ([]Card, error) {
	var cards []Card
	err := a.Decode(&cards)
	return cards, err
}

// List decodes list content.
func (a Attachment) List() (ListContent, error) {
	var l ListContent
	err := a.Decode(&l)
	return l, err
}

// Summary renders a short plain-text form of the attachment, used by
// channels that only support text.
func (a Attachment) Summary() string {
	switch a.Normalized().Type {
	case AttachmentText, AttachmentPicture, AttachmentVideo, AttachmentAudio:
		return a.Text()
	case AttachmentCard:
		c, err := a.Card()
		if err != nil {
			return ""
		}
		return joinLines(c.Title, c.Subtitle, c.ImageURL, buttonLines(c.Buttons))
	case AttachmentButtons, AttachmentQuickReplies:
		b, err := a.Buttons()
		if err != nil {
			return ""
		}
		return joinLines(b.Title, buttonLines(b.Buttons))
	case AttachmentCarousel:
		cards, err := a.Carousel()
		if err != nil {
			return ""
		}
		parts := make([]string, 0, len(cards))
		for _, c := range cards {
			parts = append(parts, joinLines(c.Title, c.Subtitle, c.ImageURL, buttonLines(c.Buttons)))
		}
		return joinLines(parts...)
	case AttachmentList:
		l, err := a.List()
		if err != nil {
			return ""
		}
		parts := make([]string, 0, len(l.Elements)+1)
		for _, e := range l.Elements {
			parts = append(parts, joinLines(e.Title, e.Subtitle, e.ImageURL, buttonLines(e.Buttons)))
		}
		parts = append(parts, buttonLines(l.Buttons))
		return joinLines(parts...)
	}
	return ""
}

func buttonLines(buttons []Button) string {
	parts := make([]string, 0, len(buttons))
	for _, b := range buttons {
		if b.Type == ButtonWebURL || b.Type == ButtonPhoneNumber {
			parts = append(parts, fmt.Sprintf("- %s: %s", b.Title, b.Value))
			continue
		}
		parts = append(parts, "- "+b.Title)
	}
	return joinLines(parts...)
}

func joinLines(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}

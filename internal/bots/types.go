package bots

import "time"

// Bot is the external HTTP service that receives inbound messages.
type Bot struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateRequest is the input for creating a bot.
type CreateRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// UpdateRequest is the input for updating a bot.
type UpdateRequest struct {
	URL string `json:"url" validate:"required,url"`
}

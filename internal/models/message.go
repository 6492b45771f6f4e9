package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message represents an individual communication entry within a chat. It contains the core components
// of a chat message including its unique identifier, the participant's role, the actual content, the
// images attached by the user, and the precise time when the message was created.
//
// ID is the sole key used to locate and mutate a message inside a transcript, Role and Timestamp never
// change after construction.
type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Contents  []Content    `json:"contents"`
	Images    []Attachment `json:"images,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Content is a message content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// Attachment is an image attached to a user message. Data holds the base64-encoded payload without
// any data-URL prefix.
type Attachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
}

// Role represents the role of a message participant.
type Role string

// ContentType represents the type of content in messages.
type ContentType string

const (
	// RoleUser represents a user message. A message with this role would only contain text content
	// and optional image attachments.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
	// RoleSystem represents the system preamble sent ahead of a conversation.
	RoleSystem Role = "system"

	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
)

// NewUserMessage creates a user message with a single text content and the given attachments.
func NewUserMessage(text string, images []Attachment) Message {
	return Message{
		ID:   uuid.New().String(),
		Role: RoleUser,
		Contents: []Content{
			{
				Type: ContentTypeText,
				Text: text,
			},
		},
		Images:    slices.Clone(images),
		Timestamp: time.Now(),
	}
}

// NewAssistantPlaceholder creates the assistant message that a streaming response is written into. It
// starts with a single empty text content.
func NewAssistantPlaceholder() Message {
	return Message{
		ID:   uuid.New().String(),
		Role: RoleAssistant,
		Contents: []Content{
			{
				Type: ContentTypeText,
				Text: "",
			},
		},
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a system message carrying the given preamble.
func NewSystemMessage(prompt string) Message {
	return Message{
		ID:   uuid.New().String(),
		Role: RoleSystem,
		Contents: []Content{
			{
				Type: ContentTypeText,
				Text: prompt,
			},
		},
		Timestamp: time.Now(),
	}
}

// Text flattens the text contents of the message, joined by newlines.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Contents))
	for _, c := range m.Contents {
		if c.Type != ContentTypeText {
			continue
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy of the message, so the copy can be modified without affecting the
// original.
func (m Message) Clone() Message {
	m.Contents = slices.Clone(m.Contents)
	m.Images = slices.Clone(m.Images)
	return m
}

// AppendText appends text to the last text content of the message, adding a text content if the
// message has none.
func (m *Message) AppendText(text string) {
	for i := len(m.Contents) - 1; i >= 0; i-- {
		if m.Contents[i].Type == ContentTypeText {
			m.Contents[i].Text += text
			return
		}
	}
	m.Contents = append(m.Contents, Content{
		Type: ContentTypeText,
		Text: text,
	})
}

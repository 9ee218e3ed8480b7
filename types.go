package chatspace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResponderAuthor is the author value the server uses for automated replies.
const ResponderAuthor = "AI"

// ============================================================================
// Session
// ============================================================================

// Session is an authenticated identity. Token is opaque to the SDK.
type Session struct {
	Token    string `json:"token"`
	UserName string `json:"userName"`
}

// Initials returns up to two upper-cased initials derived from UserName.
func (s Session) Initials() string {
	var b strings.Builder
	for _, word := range strings.Fields(s.UserName) {
		b.WriteString(string([]rune(word)[:1]))
	}
	initials := []rune(strings.ToUpper(b.String()))
	if len(initials) > 2 {
		initials = initials[:2]
	}
	return string(initials)
}

// ============================================================================
// Resources
// ============================================================================

// Message is a single entry of a conversation thread.
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author"`
}

// FromResponder reports whether the message was written by the automated responder.
func (m Message) FromResponder() bool {
	return m.Author == ResponderAuthor
}

type messageAttributes struct {
	Text   string `json:"text"`
	Author string `json:"author"`
}

type messageResource struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	Attributes *messageAttributes `json:"attributes,omitempty"`

	// flat form {id, text, author}
	Text   string `json:"text,omitempty"`
	Author string `json:"author,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageResource{
		Type:       "messages",
		ID:         m.ID,
		Attributes: &messageAttributes{Text: m.Text, Author: m.Author},
	})
}

// UnmarshalJSON accepts both the resource form ({id, attributes:{text, author}})
// and the flat form ({id, text, author}).
func (m *Message) UnmarshalJSON(data []byte) error {
	var r messageResource
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	m.ID = r.ID
	if r.Attributes != nil {
		m.Text, m.Author = r.Attributes.Text, r.Attributes.Author
	} else {
		m.Text, m.Author = r.Text, r.Author
	}
	return nil
}

func (m Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("message without id")
	}
	if m.Text == "" {
		return fmt.Errorf("message %s without text", m.ID)
	}
	return nil
}

// Conversation is a named thread owned by Author.
// Messages is nil when the server response did not carry a thread.
type Conversation struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Author   string    `json:"author"`
	Archived bool      `json:"archived"`
	Messages []Message `json:"messages"`
}

type conversationAttributes struct {
	Name     string    `json:"name"`
	Author   string    `json:"author"`
	Archived bool      `json:"archived"`
	Messages []Message `json:"messages"`
}

type conversationResource struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Attributes conversationAttributes `json:"attributes"`
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationResource{
		Type: "conversations",
		ID:   c.ID,
		Attributes: conversationAttributes{
			Name:     c.Name,
			Author:   c.Author,
			Archived: c.Archived,
			Messages: c.Messages,
		},
	})
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var r conversationResource
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = Conversation{
		ID:       r.ID,
		Name:     r.Attributes.Name,
		Author:   r.Attributes.Author,
		Archived: r.Attributes.Archived,
		Messages: r.Attributes.Messages,
	}
	return nil
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	if c.Messages != nil {
		c.Messages = append([]Message(nil), c.Messages...)
	}
	return c
}

// LastMessage returns the newest message, if any.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c Conversation) validate() error {
	if c.ID == "" {
		return fmt.Errorf("conversation without id")
	}
	for _, m := range c.Messages {
		if err := m.validate(); err != nil {
			return fmt.Errorf("conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

// ConversationPatch is the attribute set accepted by UpdateConversation.
type ConversationPatch struct {
	Archived bool `json:"archived"`
}

// ============================================================================
// Envelopes
// ============================================================================

// APIError is one entry of the server's errors envelope.
type APIError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Title + ": " + e.Detail
	}
	return e.Title
}

type errorEnvelope struct {
	Errors []APIError `json:"errors"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type authEnvelope struct {
	Meta struct {
		Token string `json:"token"`
	} `json:"meta"`
}

type attributesBody struct {
	Data struct {
		Type       string `json:"type,omitempty"`
		ID         string `json:"id,omitempty"`
		Attributes any    `json:"attributes"`
	} `json:"data"`
}

func newAttributesBody(resourceType, id string, attributes any) attributesBody {
	var b attributesBody
	b.Data.Type = resourceType
	b.Data.ID = id
	b.Data.Attributes = attributes
	return b
}

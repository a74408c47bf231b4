// Package bot consumes gateway events from the chat-platform binding and
// routes them into the relay core and the command registry.
package bot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/service"
)

// Gateway event types.
const (
	EventMessageCreate = "message_create"
	EventMessageUpdate = "message_update"
	EventMessageDelete = "message_delete"
	EventReactionAdd   = "reaction_add"
)

// ErrInvalidEvent indicates a payload that does not match the gateway event schema.
var ErrInvalidEvent = errors.New("invalid gateway event")

//go:embed gateway_event.schema.json
var gatewayEventSchema []byte

const schemaURL = "gateway_event.schema.json"

// Author is the sender of a gateway message.
type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
}

// Member carries the guild role the binding resolved for the author.
type Member struct {
	Role     models.RoleLevel `json:"role"`
	RoleName string           `json:"role_name,omitempty"`
}

// Attachment is a file attached to a gateway message.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// GatewayEvent is one inbound event. An empty GuildID marks a direct message.
type GatewayEvent struct {
	Type        string       `json:"type"`
	GuildID     string       `json:"guild_id,omitempty"`
	ChannelID   string       `json:"channel_id"`
	MessageID   string       `json:"message_id,omitempty"`
	Content     string       `json:"content,omitempty"`
	Emoji       string       `json:"emoji,omitempty"`
	Author      *Author      `json:"author,omitempty"`
	Member      *Member      `json:"member,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// IsDirect reports whether the event happened in a direct-message conversation.
func (e GatewayEvent) IsDirect() bool {
	return e.GuildID == ""
}

// Key groups events that must be handled in arrival order: one user's
// direct-message channel, or one guild channel. DM events are keyed by channel
// rather than author because platform deletes carry no author.
func (e GatewayEvent) Key() string {
	if e.IsDirect() {
		return "dm:" + e.ChannelID
	}
	return "channel:" + e.ChannelID
}

// Person returns the display identity of the author.
func (e GatewayEvent) Person() render.Person {
	if e.Author == nil {
		return render.Person{}
	}
	person := render.Person{ID: e.Author.ID, Name: e.Author.Name, AvatarURL: e.Author.AvatarURL}
	if e.Member != nil {
		person.RoleName = e.Member.RoleName
	}
	return person
}

// AttachmentRefs converts the event's attachments for the relay.
func (e GatewayEvent) AttachmentRefs() []service.AttachmentRef {
	if len(e.Attachments) == 0 {
		return nil
	}
	refs := make([]service.AttachmentRef, 0, len(e.Attachments))
	for _, att := range e.Attachments {
		refs = append(refs, service.AttachmentRef{
			Name:        att.Name,
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	return refs
}

// Decoder validates raw gateway payloads against the embedded schema.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the gateway event schema.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(schemaURL, bytes.NewReader(gatewayEventSchema)); err != nil {
		return nil, fmt.Errorf("load gateway event schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile gateway event schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates data and unpacks it into a GatewayEvent.
func (d *Decoder) Decode(data []byte) (GatewayEvent, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := d.schema.Validate(raw); err != nil {
		return GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var event GatewayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return event, nil
}

// Package render builds the platform-neutral cards that the relay posts into
// staff channels and direct messages.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/newcircuit/modmail/internal/models"
)

const (
	ColorReceived = 0x2ECC71
	ColorSent     = 0x3498DB
	ColorInternal = 0x95A5A6
	ColorEdited   = 0xF1C40F
	ColorWarning  = 0xE67E22
	ColorClosed   = 0xE74C3C
	ColorInfo     = 0x9B59B6
)

// AnonymousLabel replaces the sender identity on anonymous replies.
const AnonymousLabel = "Staff"

// maxDescription is the longest body a card may carry.
const maxDescription = 4000

// Person is the display identity of a sender.
type Person struct {
	ID        string
	Name      string
	AvatarURL string
	RoleName  string
}

// DisplayName falls back to the identifier when the name is unknown.
func (p Person) DisplayName() string {
	if strings.TrimSpace(p.Name) != "" {
		return p.Name
	}
	return p.ID
}

// Author is the header line of a card.
type Author struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

// Field is a titled block inside a card.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Message is one rendered card.
type Message struct {
	Content     string    `json:"content,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Author      Author    `json:"author"`
	Footer      string    `json:"footer,omitempty"`
	Color       int       `json:"color"`
	ImageURL    string    `json:"image_url,omitempty"`
	Fields      []Field   `json:"fields,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// MessageReceived renders a user's message for the staff channel.
func MessageReceived(content string, sender Person, at time.Time) Message {
	return Message{
		Description: clip(content),
		Author:      Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL},
		Footer:      sender.ID,
		Color:       ColorReceived,
		Timestamp:   at,
	}
}

// MessageSent renders a staff reply. Anonymous renders hide the sender and role.
func MessageSent(content string, sender Person, anonymous bool, at time.Time) Message {
	msg := Message{
		Description: clip(content),
		Color:       ColorSent,
		Footer:      roleLabel(sender, anonymous),
		Timestamp:   at,
	}
	if anonymous {
		msg.Author = Author{Name: AnonymousLabel}
	} else {
		msg.Author = Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL}
	}
	return msg
}

// InternalNote renders a staff-only annotation.
func InternalNote(content string, author Person, at time.Time) Message {
	return Message{
		Title:       "Internal note",
		Description: clip(content),
		Author:      Author{Name: author.DisplayName(), IconURL: author.AvatarURL},
		Color:       ColorInternal,
		Timestamp:   at,
	}
}

// Edited re-renders a mirror after its origin was edited.
func Edited(base Message, content string, at time.Time) Message {
	base.Description = clip(content)
	base.Title = "Edited"
	base.Color = ColorEdited
	base.Timestamp = at
	return base
}

// EditsReceived renders the full edit chain of a user's message.
func EditsReceived(sender Person, edits []models.Edit) Message {
	msg := editChain(edits)
	msg.Author = Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL}
	msg.Footer = sender.ID
	return msg
}

// EditsSent renders the full edit chain of a staff reply.
func EditsSent(sender Person, edits []models.Edit) Message {
	msg := editChain(edits)
	msg.Author = Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL}
	msg.Footer = roleLabel(sender, false)
	return msg
}

func editChain(edits []models.Edit) Message {
	msg := Message{Title: "Edited message", Color: ColorEdited}
	if len(edits) == 0 {
		return msg
	}

	msg.Fields = make([]Field, 0, len(edits)+1)
	msg.Fields = append(msg.Fields, Field{Name: "Original", Value: clipField(edits[0].Before)})
	for i, edit := range edits {
		msg.Fields = append(msg.Fields, Field{Name: fmt.Sprintf("Edit %d", i+1), Value: clipField(edit.After)})
	}
	msg.Description = clip(edits[len(edits)-1].After)
	msg.Timestamp = edits[len(edits)-1].EditedAt
	return msg
}

// AttachmentReceived renders a user's file for the staff channel.
func AttachmentReceived(att models.Attachment, sender Person) Message {
	msg := attachment(att)
	msg.Author = Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL}
	msg.Color = ColorReceived
	msg.Footer = sender.ID
	return msg
}

// AttachmentSent renders a staff file, hiding the sender when anonymous.
func AttachmentSent(att models.Attachment, sender Person, anonymous bool) Message {
	msg := attachment(att)
	msg.Color = ColorSent
	msg.Footer = roleLabel(sender, anonymous)
	if anonymous {
		msg.Author = Author{Name: AnonymousLabel}
	} else {
		msg.Author = Author{Name: sender.DisplayName(), IconURL: sender.AvatarURL}
	}
	return msg
}

func attachment(att models.Attachment) Message {
	msg := Message{Title: fmt.Sprintf("📎 %s", att.Name)}
	if att.Kind == models.FileKindImage {
		msg.ImageURL = att.SourceURL
	} else {
		msg.Description = att.SourceURL
	}
	return msg
}

// LinkWarning flags links found in a user's message.
func LinkWarning(links []string) Message {
	var b strings.Builder
	for _, link := range links {
		b.WriteString("• ")
		b.WriteString(link)
		b.WriteString("\n")
	}
	return Message{
		Title:       "⚠️ Link warning",
		Description: clip("This message contains links, be careful before opening them:\n" + b.String()),
		Color:       ColorWarning,
	}
}

// ThreadHeader opens a staff channel with context about the user.
func ThreadHeader(user Person, category string, previousThreads int64, forwardedBy *Person) Message {
	msg := Message{
		Title:  "New thread",
		Author: Author{Name: user.DisplayName(), IconURL: user.AvatarURL},
		Color:  ColorInfo,
		Fields: []Field{
			{Name: "User", Value: fmt.Sprintf("<@%s>", user.ID), Inline: true},
			{Name: "Category", Value: category, Inline: true},
			{Name: "Previous threads", Value: fmt.Sprintf("%d", previousThreads), Inline: true},
		},
		Footer: user.ID,
	}
	if forwardedBy != nil {
		msg.Title = "Forwarded thread"
		msg.Fields = append(msg.Fields, Field{Name: "Forwarded by", Value: forwardedBy.DisplayName(), Inline: true})
	}
	return msg
}

// ThreadOpenedClient tells the user their thread was opened.
func ThreadOpenedClient(category string) Message {
	return Message{
		Title:       "Thread opened",
		Description: fmt.Sprintf("You are now talking to the %s staff. Replies will show up here.", category),
		Color:       ColorInfo,
	}
}

// CategorySelector asks a user without an open thread which category to contact.
func CategorySelector(categories []models.Category) Message {
	fields := make([]Field, 0, len(categories))
	for _, category := range categories {
		value := category.Description
		if strings.TrimSpace(value) == "" {
			value = "\u200b"
		}
		fields = append(fields, Field{Name: category.Emoji + " " + category.Name, Value: clipField(value)})
	}
	return Message{
		Title:       "Select a category",
		Description: "React with the emoji of the team you want to reach, or start your message with it.",
		Color:       ColorInfo,
		Fields:      fields,
	}
}

// Notice is a plain informational card sent to a user.
func Notice(title, description string) Message {
	return Message{Title: title, Description: clip(description), Color: ColorWarning}
}

// CloseThread is posted in the staff channel before it is torn down.
func CloseThread() Message {
	return Message{Title: "Thread closed", Description: "This channel will be deleted shortly.", Color: ColorClosed}
}

// CloseThreadClient tells the user the thread was closed.
func CloseThreadClient() Message {
	return Message{Title: "Thread closed", Description: "Your thread has been closed. Message again to open a new one.", Color: ColorClosed}
}

func roleLabel(sender Person, anonymous bool) string {
	if anonymous || strings.TrimSpace(sender.RoleName) == "" {
		return AnonymousLabel
	}
	return sender.RoleName
}

func clip(content string) string {
	return truncate(content, maxDescription)
}

func clipField(content string) string {
	if strings.TrimSpace(content) == "" {
		return "(empty)"
	}
	return truncate(content, 1024)
}

func truncate(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit-1]) + "…"
}

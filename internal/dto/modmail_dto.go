package dto

import (
	"time"

	"github.com/newcircuit/modmail/internal/models"
)

// CategoryCreateRequest describes a new routing category.
type CategoryCreateRequest struct {
	GuildID     string `json:"guild_id" validate:"required,max=32"`
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Emoji       string `json:"emoji" validate:"required,max=64"`
	ChannelID   string `json:"channel_id" validate:"required,max=32"`
	Description string `json:"description" validate:"max=1000"`
	Private     bool   `json:"private"`
}

// MuteRequest blocks a user from opening threads in a category.
type MuteRequest struct {
	UserID     string    `json:"user_id" validate:"required,max=32"`
	CategoryID int64     `json:"category_id" validate:"required"`
	Till       time.Time `json:"till" validate:"required"`
	Reason     string    `json:"reason" validate:"max=512"`
}

// StandardReplyCreateRequest stores a canned reply under a single-word name.
type StandardReplyCreateRequest struct {
	Name    string `json:"name" validate:"required,max=64"`
	Content string `json:"content" validate:"required,max=2000"`
}

// ThreadListQuery pages through the threads of a category.
type ThreadListQuery struct {
	Page     int  `query:"page" validate:"omitempty,min=1"`
	PageSize int  `query:"pageSize" validate:"omitempty,min=1,max=100"`
	OpenOnly bool `query:"open"`
}

// MessageListQuery pages through a thread's messages by sequence position.
type MessageListQuery struct {
	After int64 `query:"after" validate:"omitempty,min=0"`
	Limit int   `query:"limit" validate:"omitempty,min=1,max=200"`
}

// CategoryResponse is the exposed projection of a category.
type CategoryResponse struct {
	ID          int64  `json:"id,string"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji"`
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	IsActive    bool   `json:"is_active"`
	IsPrivate   bool   `json:"is_private"`
	Description string `json:"description,omitempty"`
}

// NewCategoryResponse converts a model into a DTO.
func NewCategoryResponse(category models.Category) CategoryResponse {
	resp := CategoryResponse{
		ID:          category.ID,
		Name:        category.Name,
		Emoji:       category.Emoji,
		GuildID:     category.GuildID,
		IsActive:    category.IsActive,
		IsPrivate:   category.IsPrivate,
		Description: category.Description,
	}
	if category.ChannelID != nil {
		resp.ChannelID = *category.ChannelID
	}
	return resp
}

// NewCategoryResponseSlice converts a slice of models into DTOs.
func NewCategoryResponseSlice(categories []models.Category) []CategoryResponse {
	out := make([]CategoryResponse, 0, len(categories))
	for _, category := range categories {
		out = append(out, NewCategoryResponse(category))
	}
	return out
}

// ThreadResponse is the exposed projection of a thread.
type ThreadResponse struct {
	ID          int64      `json:"id,string"`
	AuthorID    string     `json:"author_id"`
	CategoryID  int64      `json:"category_id,string"`
	ChannelID   string     `json:"channel_id"`
	IsAdminOnly bool       `json:"is_admin_only"`
	IsOpen      bool       `json:"is_open"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// NewThreadResponse converts a model into a DTO.
func NewThreadResponse(thread models.Thread) ThreadResponse {
	return ThreadResponse{
		ID:          thread.ID,
		AuthorID:    thread.AuthorID,
		CategoryID:  thread.CategoryID,
		ChannelID:   thread.ChannelID,
		IsAdminOnly: thread.IsAdminOnly,
		IsOpen:      thread.IsOpen,
		CreatedAt:   thread.CreatedAt,
		ClosedAt:    thread.ClosedAt,
	}
}

// ThreadListResponse is a page of threads.
type ThreadListResponse struct {
	Items      []ThreadResponse `json:"items"`
	Pagination PaginationMeta   `json:"pagination"`
}

// PaginationMeta describes the current page.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// EditResponse is one snapshot in a message's edit chain.
type EditResponse struct {
	Before   string    `json:"before"`
	After    string    `json:"after"`
	EditedAt time.Time `json:"edited_at"`
}

// AttachmentResponse is the exposed projection of an attachment.
type AttachmentResponse struct {
	ID        int64  `json:"id,string"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
}

// MessageResponse is the exposed projection of a message with its edits and files.
type MessageResponse struct {
	ID          int64                `json:"id,string"`
	Position    int64                `json:"position,string"`
	SenderID    string               `json:"sender_id"`
	SenderRole  string               `json:"sender_role,omitempty"`
	Content     string               `json:"content"`
	IsInternal  bool                 `json:"is_internal"`
	IsAnonymous bool                 `json:"is_anonymous"`
	IsDeleted   bool                 `json:"is_deleted"`
	CreatedAt   time.Time            `json:"created_at"`
	Edits       []EditResponse       `json:"edits"`
	Attachments []AttachmentResponse `json:"attachments"`
}

// MessagePage is a slice of a thread's messages; NextAfter continues the listing.
type MessagePage struct {
	Items     []MessageResponse `json:"items"`
	NextAfter int64             `json:"next_after,string,omitempty"`
	Total     int64             `json:"total"`
}

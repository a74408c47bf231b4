package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// FileKind classifies a relayed attachment.
type FileKind string

const (
	FileKindImage FileKind = "image"
	FileKindFile  FileKind = "file"
)

// GormDBDataType maps the kind onto the file_type enum on postgres.
func (FileKind) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return enumType(db, "file_type")
}

// RoleLevel is the staff permission level of an actor.
type RoleLevel string

const (
	RoleNone  RoleLevel = ""
	RoleMod   RoleLevel = "mod"
	RoleAdmin RoleLevel = "admin"
)

// Rank orders role levels so guards can compare them.
func (r RoleLevel) Rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleMod:
		return 1
	default:
		return 0
	}
}

// GormDBDataType maps the role onto the role_level enum on postgres.
func (RoleLevel) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return enumType(db, "role_level")
}

func enumType(db *gorm.DB, name string) string {
	if db.Dialector.Name() != "postgres" {
		return "text"
	}
	if ns, ok := db.NamingStrategy.(schema.NamingStrategy); ok {
		return ns.TablePrefix + name
	}
	return name
}

// User is a platform user that authored at least one thread.
type User struct {
	ID        string    `gorm:"primaryKey;size:32" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Category is a staff-facing routing target, one per guild.
type Category struct {
	ID          int64   `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Name        string  `gorm:"size:100;not null;index" json:"name"`
	Emoji       string  `gorm:"size:64;not null;index" json:"emoji"`
	ChannelID   *string `gorm:"size:32;uniqueIndex" json:"channel_id"`
	GuildID     string  `gorm:"size:32;not null;index" json:"guild_id"`
	IsActive    bool    `gorm:"not null" json:"is_active"`
	IsPrivate   bool    `gorm:"not null" json:"is_private"`
	Description string  `gorm:"type:text;not null" json:"description"`
}

// Thread pairs one user's direct messages with one staff channel.
type Thread struct {
	ID          int64      `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	AuthorID    string     `gorm:"size:32;not null;index;uniqueIndex:idx_threads_open_author,where:is_open = true" json:"author_id"`
	Author      *User      `gorm:"foreignKey:AuthorID" json:"-"`
	CategoryID  int64      `gorm:"not null;index" json:"category_id,string"`
	Category    *Category  `gorm:"foreignKey:CategoryID" json:"-"`
	ChannelID   string     `gorm:"size:32;not null;index;uniqueIndex:idx_threads_open_channel,where:is_open = true" json:"channel_id"`
	IsAdminOnly bool       `gorm:"not null" json:"is_admin_only"`
	IsOpen      bool       `gorm:"not null;index" json:"is_open"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Message is one relayed message instance. Position orders messages within a thread.
type Message struct {
	ID          int64      `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ThreadID    int64      `gorm:"not null;index:idx_messages_thread_position,priority:1" json:"thread_id,string"`
	Thread      *Thread    `gorm:"foreignKey:ThreadID" json:"-"`
	OriginID    string     `gorm:"size:32;not null;index" json:"origin_id"`
	MirrorID    string     `gorm:"size:32;index" json:"mirror_id"`
	SenderID    string     `gorm:"size:32;not null;index" json:"sender_id"`
	SenderRole  *RoleLevel `json:"sender_role,omitempty"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	IsInternal  bool       `gorm:"not null" json:"is_internal"`
	IsAnonymous bool       `gorm:"not null" json:"is_anonymous"`
	IsDeleted   bool       `gorm:"not null" json:"is_deleted"`
	Position    int64      `gorm:"not null;index:idx_messages_thread_position,priority:2" json:"position,string"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Edit is an append-only snapshot of a message edit.
type Edit struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	MessageID int64     `gorm:"not null;index" json:"message_id,string"`
	Message   *Message  `gorm:"foreignKey:MessageID" json:"-"`
	Before    string    `gorm:"type:text;not null" json:"before"`
	After     string    `gorm:"type:text;not null" json:"after"`
	EditedAt  time.Time `gorm:"not null" json:"edited_at"`
}

// Attachment is a file or image bound to a relayed message.
type Attachment struct {
	ID        int64             `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	MessageID int64             `gorm:"not null;index" json:"message_id,string"`
	Message   *Message          `gorm:"foreignKey:MessageID" json:"-"`
	Kind      FileKind          `gorm:"not null" json:"kind"`
	Name      string            `gorm:"size:255;not null" json:"name"`
	SourceURL string            `gorm:"type:text;not null" json:"source_url"`
	MirrorID  string            `gorm:"size:32;index" json:"mirror_id"`
	Meta      datatypes.JSONMap `json:"meta,omitempty"`
}

// Mute blocks a user from opening new threads in a category until Till.
type Mute struct {
	ID         int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	UserID     string    `gorm:"size:32;not null;index:idx_mutes_user_category,priority:1" json:"user_id"`
	CategoryID int64     `gorm:"not null;index:idx_mutes_user_category,priority:2" json:"category_id,string"`
	Category   *Category `gorm:"foreignKey:CategoryID" json:"-"`
	Till       time.Time `gorm:"not null" json:"till"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
}

// Active reports whether the mute still applies at now.
func (m Mute) Active(now time.Time) bool {
	return now.Before(m.Till)
}

// StandardReply is a canned staff answer looked up by name.
type StandardReply struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	Name      string    `gorm:"size:64;not null;uniqueIndex" json:"name"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

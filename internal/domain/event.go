package domain

import (
	"strings"
	"time"
)

// Event kinds and media types as sent by the messaging bridge.
const (
	KindMessage  = "message"
	KindReaction = "reaction"

	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// OriginalMessage is the message an event replies or reacts to.
type OriginalMessage struct {
	Text string `json:"text"`
}

// InboundEvent is one unit of work from the bridge. MessageID is globally
// unique; the bridge may deliver the same event more than once.
type InboundEvent struct {
	MessageID        string           `json:"messageId"                  binding:"required"`
	GroupID          string           `json:"groupId"                    binding:"required"`
	Sender           string           `json:"sender"`
	Reactor          string           `json:"reactor,omitempty"`
	Type             string           `json:"type"                       binding:"required,oneof=message reaction"`
	MessageText      string           `json:"messageText,omitempty"`
	Emoji            string           `json:"emoji,omitempty"`
	MediaURL         string           `json:"mediaUrl,omitempty"`
	MediaType        string           `json:"mediaType,omitempty"        binding:"omitempty,oneof=image video audio"`
	MediaPlaybackURL string           `json:"mediaPlaybackUrl,omitempty"`
	SonioxFileID     string           `json:"sonioxFileId,omitempty"`
	OriginalMessage  *OriginalMessage `json:"originalMessage,omitempty"`
}

// IsReaction reports whether the event is an emoji reaction.
func (e InboundEvent) IsReaction() bool { return e.Type == KindReaction }

// HasSpeech reports whether the event carries audio or video to transcribe.
func (e InboundEvent) HasSpeech() bool {
	return e.MediaType == MediaAudio || e.MediaType == MediaVideo
}

// Caller is the trusted identity of whoever triggered the event: the
// reactor for reactions, otherwise the sender.
func (e InboundEvent) Caller() string {
	if e.IsReaction() && strings.TrimSpace(e.Reactor) != "" {
		return e.Reactor
	}
	return e.Sender
}

// OriginalText returns the referenced prior message text, if any.
func (e InboundEvent) OriginalText() string {
	if e.OriginalMessage == nil {
		return ""
	}
	return e.OriginalMessage.Text
}

// ThreadID is the conversation memory key for the event's tenant.
func (e InboundEvent) ThreadID() string { return "group_" + e.GroupID }

// ProcessedEvent is the dedup record: one row per accepted event id.
// Insertion is the exactly-once gate; rows are purged after retention.
type ProcessedEvent struct {
	EventID    string    `gorm:"size:255;primaryKey"`
	GroupID    string    `gorm:"size:128;not null;index"`
	AcceptedAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedEvent) TableName() string { return "processed_events" }

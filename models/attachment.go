package models

import "strings"

// AttachmentType is the coarse media class shown by clients.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// AttachmentTypeFor maps a MIME type to an AttachmentType.
func AttachmentTypeFor(contentType string) AttachmentType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(contentType, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(contentType, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentFile
	}
}

// Attachment describes uploaded content referenced by a message.
type Attachment struct {
	URL         string         `json:"url"`
	Type        AttachmentType `json:"type"`
	Name        string         `json:"name"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	Hash        string         `json:"hash"`
}

// DownloadedFile is one entry of the local content-addressed cache.
type DownloadedFile struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	LocalPath   string `json:"local_path"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	CreatedAt   int64  `json:"created_at"`
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetStatus is the lifecycle of an uploaded video.
type AssetStatus string

const (
	AssetUploaded   AssetStatus = "UPLOADED"
	AssetProcessing AssetStatus = "PROCESSING"
	AssetReady      AssetStatus = "READY"
	AssetFailed     AssetStatus = "FAILED"
)

func ParseAssetStatus(value string) (AssetStatus, error) {
	switch AssetStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case AssetUploaded:
		return AssetUploaded, nil
	case AssetProcessing:
		return AssetProcessing, nil
	case AssetReady:
		return AssetReady, nil
	case AssetFailed:
		return AssetFailed, nil
	default:
		return "", fmt.Errorf("unknown asset status %q", value)
	}
}

// Terminal reports whether no further transition is defined.
func (s AssetStatus) Terminal() bool {
	switch s {
	case AssetReady, AssetFailed:
		return true
	case AssetUploaded, AssetProcessing:
		return false
	default:
		return false
	}
}

// CanTransition enforces forward-only movement with FAILED terminal.
func (s AssetStatus) CanTransition(to AssetStatus) bool {
	switch s {
	case AssetUploaded:
		return to == AssetProcessing || to == AssetFailed
	case AssetProcessing:
		return to == AssetReady || to == AssetFailed
	case AssetReady, AssetFailed:
		return false
	default:
		return false
	}
}

// Asset is the video produced by a completed upload session; it shares the
// session's id.
type Asset struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	OriginalFilename string      `json:"originalFilename"`
	SourceKey        string      `json:"sourceKey,omitempty"`
	SizeBytes        int64       `json:"sizeBytes"`
	Checksum         string      `json:"checksum,omitempty"`
	Status           AssetStatus `json:"status"`
	ThumbnailKey     string      `json:"thumbnailKey,omitempty"`
	SpriteKey        string      `json:"spriteKey,omitempty"`
	CaptionsKey      string      `json:"captionsKey,omitempty"`
	ManifestKey      string      `json:"manifestKey,omitempty"`
	DurationSeconds  int         `json:"durationSeconds"`
	ViewCount        int64       `json:"viewCount"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// RenditionObjectKey names the encoded output of one rendition in the
// transcoded bucket.
func RenditionObjectKey(assetID string, rendition Rendition) string {
	return assetID + "-" + string(rendition) + ".mp4"
}

// HLSPrefix is the key prefix holding every HLS artifact of an asset.
func HLSPrefix(assetID string) string {
	return assetID + "/hls/"
}

// MasterPlaylistKey is the well-known key of an asset's master playlist.
func MasterPlaylistKey(assetID string) string {
	return HLSPrefix(assetID) + "master.m3u8"
}

package storage

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// FilePolicy represents media acceptance constraints
type FilePolicy struct {
	MaxFileMB *float64 `json:"maxFileMB,omitempty"`
	MimeTypes []string `json:"mime,omitempty"`
}

// ImagePolicy accepts any image up to maxMB megabytes (0 means unlimited)
func ImagePolicy(maxMB float64) *FilePolicy {
	fp := &FilePolicy{MimeTypes: []string{"image/*"}}
	if maxMB > 0 {
		fp.MaxFileMB = &maxMB
	}
	return fp
}

// ValidateMedia validates content type and size against the policy
func (fp *FilePolicy) ValidateMedia(contentType string, sizeBytes int64) error {
	if fp == nil {
		return nil
	}

	if fp.MaxFileMB != nil {
		maxBytes := int64(*fp.MaxFileMB * 1024 * 1024)
		if sizeBytes > maxBytes {
			return fmt.Errorf("file size %d bytes exceeds maximum %d bytes (%.2f MB)",
				sizeBytes, maxBytes, *fp.MaxFileMB)
		}
	}

	if len(fp.MimeTypes) > 0 && !fp.matchesMimeType(contentType) {
		return fmt.Errorf("content type %s is not allowed. Allowed types: %v",
			contentType, fp.MimeTypes)
	}
	return nil
}

// matchesMimeType supports wildcard patterns like "image/*" and parameters like "; charset=x"
func (fp *FilePolicy) matchesMimeType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range fp.MimeTypes {
		if strings.HasSuffix(allowed, "/*") {
			if strings.HasPrefix(mediaType, strings.TrimSuffix(allowed, "/*")+"/") {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

// MediaObjectName builds a unique object name for a user's media upload
func MediaObjectName(userID, contentType string, now time.Time) string {
	user := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return r
		}
		return '_'
	}, userID)
	ext := ".bin"
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("media/%s/%s/%s%s", now.UTC().Format("2006-01-02"), user, ulid.Make().String(), ext)
}

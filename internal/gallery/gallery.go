// Package gallery keeps the admin asset list and the site identity in memory.
package gallery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fanchat/internal/logging"
	"fanchat/internal/types"
)

var (
	ErrNotFound = errors.New("gallery: file not found")
	ErrTooLarge = errors.New("gallery: file too large")
	ErrNotImage = errors.New("gallery: not an image")
	ErrEmpty    = errors.New("gallery: empty file")
)

// UploadedFile is one admin asset. The JSON names follow the page's wire
// shape.
type UploadedFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"type"`
	ByteSize  int64     `json:"size"`
	DataURL   string    `json:"dataUrl"`
	CreatedAt time.Time `json:"timestamp"`
	Caption   string    `json:"vibeCaption"`
}

// IsImage reports whether the file is an image.
func (f UploadedFile) IsImage() bool {
	return IsImage(f.MimeType)
}

// SiteConfig is the site identity. An empty LogoURL means the default logo.
type SiteConfig struct {
	LogoURL string `json:"logoUrl,omitempty"`
}

// Config holds gallery limits.
type Config struct {
	MaxUploadBytes int64
	CaptionTimeout time.Duration
}

// DefaultConfig returns a 10 MiB upload limit and a 30s caption budget.
func DefaultConfig() Config {
	return Config{
		MaxUploadBytes: 10 << 20,
		CaptionTimeout: 30 * time.Second,
	}
}

// Gallery is safe for concurrent use.
type Gallery struct {
	mu    sync.RWMutex
	files []UploadedFile // oldest first
	site  SiteConfig

	captioner types.Captioner
	config    Config
	now       func() time.Time
	log       *logging.Logger
}

// New creates an empty gallery. A nil captioner disables captions.
func New(captioner types.Captioner, cfg Config) *Gallery {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	return &Gallery{
		captioner: captioner,
		config:    cfg,
		now:       time.Now,
		log:       logging.Get(logging.CategoryGallery),
	}
}

// Config returns the current limits.
func (g *Gallery) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// SetConfig replaces the limits for later uploads. Stored assets are kept
// even when they exceed a lowered limit.
func (g *Gallery) SetConfig(cfg Config) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
	g.log.Info("limits updated max_upload_bytes=%d caption_timeout=%v", cfg.MaxUploadBytes, cfg.CaptionTimeout)
}

// Add stores data as a new asset. Images are captioned first; a caption
// failure is logged and leaves the caption empty.
func (g *Gallery) Add(ctx context.Context, name, mimeType string, data []byte) (UploadedFile, error) {
	if len(data) == 0 {
		return UploadedFile{}, ErrEmpty
	}
	if limit := g.Config().MaxUploadBytes; int64(len(data)) > limit {
		return UploadedFile{}, fmt.Errorf("%s is %d bytes (limit %d): %w", name, len(data), limit, ErrTooLarge)
	}
	if mimeType == "" {
		mimeType = DetectMimeType(name, data)
	}

	f := UploadedFile{
		ID:        uuid.NewString(),
		Name:      filepath.Base(name),
		MimeType:  mimeType,
		ByteSize:  int64(len(data)),
		DataURL:   DataURL(mimeType, data),
		CreatedAt: g.now(),
	}
	if f.IsImage() {
		f.Caption = g.caption(ctx, mimeType, data)
	}

	g.mu.Lock()
	g.files = append(g.files, f)
	g.mu.Unlock()

	g.log.Info("stored %s id=%s mime=%s size=%d captioned=%t", f.Name, f.ID, f.MimeType, f.ByteSize, f.Caption != "")
	return f, nil
}

func (g *Gallery) caption(ctx context.Context, mimeType string, data []byte) string {
	if g.captioner == nil {
		return ""
	}
	timeout := g.Config().CaptionTimeout
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	caption, err := g.captioner.Caption(ctx, mimeType, data)
	if err != nil {
		g.log.Warn("caption failed: %v", err)
		return ""
	}
	return strings.TrimSpace(caption)
}

// List returns the assets newest first.
func (g *Gallery) List() []UploadedFile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := slices.Clone(g.files)
	slices.Reverse(out)
	return out
}

// Get returns the asset with id.
func (g *Gallery) Get(id string) (UploadedFile, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, f := range g.files {
		if f.ID == id {
			return f, true
		}
	}
	return UploadedFile{}, false
}

// Remove deletes the asset with id.
func (g *Gallery) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, f := range g.files {
		if f.ID == id {
			g.files = slices.Delete(g.files, i, i+1)
			g.log.Info("removed %s id=%s", f.Name, id)
			return nil
		}
	}
	return fmt.Errorf("remove %s: %w", id, ErrNotFound)
}

// Len returns the number of assets.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.files)
}

// SetLogo replaces the site logo. Only images are accepted.
func (g *Gallery) SetLogo(mimeType string, data []byte) (SiteConfig, error) {
	if len(data) == 0 {
		return SiteConfig{}, ErrEmpty
	}
	if !IsImage(mimeType) {
		return SiteConfig{}, fmt.Errorf("logo of type %q: %w", mimeType, ErrNotImage)
	}
	if int64(len(data)) > g.Config().MaxUploadBytes {
		return SiteConfig{}, fmt.Errorf("logo is %d bytes: %w", len(data), ErrTooLarge)
	}

	g.mu.Lock()
	g.site.LogoURL = DataURL(mimeType, data)
	site := g.site
	g.mu.Unlock()

	g.log.Info("logo updated mime=%s size=%d", mimeType, len(data))
	return site, nil
}

// ResetLogo restores the default logo.
func (g *Gallery) ResetLogo() {
	g.mu.Lock()
	g.site.LogoURL = ""
	g.mu.Unlock()
	g.log.Info("logo reset to default")
}

// Site returns the current site identity.
func (g *Gallery) Site() SiteConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.site
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DetectMimeType guesses a media type from the file extension, falling back
// to content sniffing.
func DetectMimeType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	mediaType, _, err := mime.ParseMediaType(http.DetectContentType(data))
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// IsImage reports whether mimeType names an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

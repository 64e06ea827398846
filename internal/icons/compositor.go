package icons

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/markercache"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// IconSize is the edge length of every composited icon.
	IconSize = 96
	// DefaultConcurrency bounds parallel compositions during Warm.
	DefaultConcurrency = 4

	frameInset      = 6
	frameBorder     = 3
	defaultIconName = "default.png"
	maxImageBytes   = 10 << 20
	fetchTimeout    = 15 * time.Second
)

var (
	backgroundColor = color.RGBA{R: 0x1f, G: 0x6f, B: 0xeb, A: 0xff}
	frameColor      = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	placeholderFill = color.RGBA{R: 0xd0, G: 0xd7, B: 0xde, A: 0xff}

	errMissingDirectory = errors.New("icons: output directory is required")
	errMissingStore     = errors.New("icons: icon store is required")
	errUnsafeMarkerID   = errors.New("icons: marker id cannot name a file")
)

// IconStore records composited icon paths on cached markers.
type IconStore interface {
	SetIcon(ctx context.Context, markerID, iconPath string) error
}

// Config describes the dependencies of a Compositor.
type Config struct {
	Directory   string
	Store       IconStore
	HTTPClient  *http.Client
	Concurrency int
	Logger      *zap.Logger
}

// Compositor renders marker pins by placing the first marker image inside a framed
// background. Results are written once per marker and remembered in the cache.
type Compositor struct {
	directory   string
	defaultPath string
	store       IconStore
	client      *http.Client
	concurrency int
	logger      *zap.Logger
	inflight    singleflight.Group
}

// New prepares the output directory and its default icon.
func New(cfg Config) (*Compositor, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, errMissingDirectory
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("icons: create directory: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	compositor := &Compositor{
		directory:   directory,
		defaultPath: filepath.Join(directory, defaultIconName),
		store:       cfg.Store,
		client:      client,
		concurrency: concurrency,
		logger:      logger,
	}
	if _, err := os.Stat(compositor.defaultPath); errors.Is(err, os.ErrNotExist) {
		if err := writePNG(compositor.defaultPath, renderIcon(nil)); err != nil {
			return nil, fmt.Errorf("icons: write default icon: %w", err)
		}
	}
	return compositor, nil
}

// DefaultIcon returns the path of the placeholder pin.
func (c *Compositor) DefaultIcon() string {
	return c.defaultPath
}

// GetIcon returns the marker's icon path, compositing it on first use. It never fails;
// problems are logged and the default icon is returned.
func (c *Compositor) GetIcon(ctx context.Context, marker markercache.Marker) string {
	if marker.IconPath != "" {
		return marker.IconPath
	}
	imageURL, ok := marker.FirstImage()
	if !ok {
		return c.defaultPath
	}

	value, err, _ := c.inflight.Do(marker.ID, func() (any, error) {
		iconPath, err := c.compose(ctx, marker.ID, imageURL)
		if err != nil {
			return "", err
		}
		if err := c.store.SetIcon(ctx, marker.ID, iconPath); err != nil {
			c.logger.Debug("icon not recorded in cache", zap.String("marker_id", marker.ID), zap.Error(err))
		}
		return iconPath, nil
	})
	if err != nil {
		c.logger.Warn("icon composition failed",
			zap.String("marker_id", marker.ID),
			zap.String("image_url", imageURL),
			zap.Error(err))
		return c.defaultPath
	}
	return value.(string)
}

// Warm composes icons for markers that lack one. It returns early only when ctx ends.
func (c *Compositor) Warm(ctx context.Context, markers []markercache.Marker) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for _, marker := range markers {
		if marker.IconPath != "" {
			continue
		}
		if _, ok := marker.FirstImage(); !ok {
			continue
		}
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			c.GetIcon(groupCtx, marker)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Compositor) compose(ctx context.Context, markerID, imageURL string) (string, error) {
	if markerID == "" || markerID != filepath.Base(markerID) || markerID == "." || markerID == ".." {
		return "", fmt.Errorf("%w: %q", errUnsafeMarkerID, markerID)
	}
	source, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	iconPath := filepath.Join(c.directory, markerID+".png")
	if err := writePNG(iconPath, renderIcon(source)); err != nil {
		return "", err
	}
	return iconPath, nil
}

func (c *Compositor) fetchImage(ctx context.Context, imageURL string) (image.Image, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("icons: image request returned status %d", response.StatusCode)
	}
	decoded, _, err := image.Decode(io.LimitReader(response.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("icons: decode image: %w", err)
	}
	return decoded, nil
}

// renderIcon draws the background template and scales the centre square of source into
// its inner frame. A nil source leaves the frame filled with the placeholder colour.
func renderIcon(source image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, IconSize, IconSize))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	frame := image.Rect(frameInset, frameInset, IconSize-frameInset, IconSize-frameInset)
	draw.Draw(canvas, frame, image.NewUniform(frameColor), image.Point{}, draw.Src)

	inner := frame.Inset(frameBorder)
	if source == nil {
		draw.Draw(canvas, inner, image.NewUniform(placeholderFill), image.Point{}, draw.Src)
		return canvas
	}
	xdraw.ApproxBiLinear.Scale(canvas, inner, source, centerSquare(source.Bounds()), draw.Over, nil)
	return canvas
}

func centerSquare(bounds image.Rectangle) image.Rectangle {
	width, height := bounds.Dx(), bounds.Dy()
	if width == height {
		return bounds
	}
	side := min(width, height)
	offsetX := (width - side) / 2
	offsetY := (height - side) / 2
	origin := bounds.Min.Add(image.Pt(offsetX, offsetY))
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(side, side))}
}

// writePNG encodes into a temporary sibling and renames it so readers never see a partial file.
func writePNG(path string, icon image.Image) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), ".icon-*")
	if err != nil {
		return err
	}
	defer os.Remove(temporary.Name())

	if err := png.Encode(temporary, icon); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	return os.Rename(temporary.Name(), path)
}

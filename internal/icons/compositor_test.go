package icons

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/footprint/internal/markercache"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingStore struct {
	mu    sync.Mutex
	icons map[string]string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{icons: make(map[string]string)}
}

func (s *recordingStore) SetIcon(_ context.Context, markerID, iconPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icons[markerID] = iconPath
	return nil
}

func (s *recordingStore) iconFor(markerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iconPath, ok := s.icons[markerID]
	return iconPath, ok
}

var photoColor = color.RGBA{R: 0xe0, G: 0x10, B: 0x10, A: 0xff}

func encodedPhoto(t *testing.T, width, height int) []byte {
	t.Helper()
	photo := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			photo.Set(x, y, photoColor)
		}
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, photo); err != nil {
		t.Fatalf("encode photo: %v", err)
	}
	return buffer.Bytes()
}

type imageServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()
	photo := encodedPhoto(t, 40, 24)
	server := &imageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/photo.png", func(w http.ResponseWriter, _ *http.Request) {
		server.hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(photo)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, _ *http.Request) {
		server.hits.Add(1)
		_, _ = w.Write([]byte("not an image"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		server.hits.Add(1)
		http.NotFound(w, nil)
	})
	server.Server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestCompositor(t *testing.T, store IconStore, logger *zap.Logger) *Compositor {
	t.Helper()
	compositor, err := New(Config{Directory: filepath.Join(t.TempDir(), "icons"), Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build compositor: %v", err)
	}
	return compositor
}

func decodeIcon(t *testing.T, path string) image.Image {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open icon: %v", err)
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("decode icon: %v", err)
	}
	return decoded
}

func sameColor(left, right color.Color) bool {
	lr, lg, lb, la := left.RGBA()
	rr, rg, rb, ra := right.RGBA()
	return lr == rr && lg == rg && lb == rb && la == ra
}

func TestGetIconComposesFirstImage(t *testing.T) {
	server := newImageServer(t)
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())

	marker := markercache.Marker{ID: "m1", Images: []string{server.URL + "/photo.png", server.URL + "/missing"}}
	iconPath := compositor.GetIcon(context.Background(), marker)

	expectedPath := filepath.Join(compositor.directory, "m1.png")
	if iconPath != expectedPath {
		t.Fatalf("expected %s, got %s", expectedPath, iconPath)
	}
	if recorded, ok := store.iconFor("m1"); !ok || recorded != expectedPath {
		t.Fatalf("expected icon path stored in cache, got %q", recorded)
	}

	icon := decodeIcon(t, iconPath)
	if icon.Bounds().Dx() != IconSize || icon.Bounds().Dy() != IconSize {
		t.Fatalf("unexpected icon bounds %v", icon.Bounds())
	}
	if !sameColor(icon.At(0, 0), backgroundColor) {
		t.Fatalf("expected background colour at the corner, got %v", icon.At(0, 0))
	}
	if !sameColor(icon.At(frameInset, frameInset), frameColor) {
		t.Fatalf("expected frame colour at the inset, got %v", icon.At(frameInset, frameInset))
	}
	if !sameColor(icon.At(IconSize/2, IconSize/2), photoColor) {
		t.Fatalf("expected photo colour at the centre, got %v", icon.At(IconSize/2, IconSize/2))
	}
	if server.hits.Load() != 1 {
		t.Fatalf("expected only the first image to be fetched, got %d requests", server.hits.Load())
	}
}

func TestGetIconReturnsMemoizedPath(t *testing.T) {
	server := newImageServer(t)
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())

	marker := markercache.Marker{ID: "m1", Images: []string{server.URL + "/photo.png"}, IconPath: "/already/there.png"}
	if got := compositor.GetIcon(context.Background(), marker); got != "/already/there.png" {
		t.Fatalf("expected memoized path, got %s", got)
	}
	if server.hits.Load() != 0 {
		t.Fatalf("memoized icon must not be recomputed")
	}
}

func TestGetIconWithoutImagesUsesDefault(t *testing.T) {
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())

	got := compositor.GetIcon(context.Background(), markercache.Marker{ID: "bare", Images: []string{}})
	if got != compositor.DefaultIcon() {
		t.Fatalf("expected default icon, got %s", got)
	}
	icon := decodeIcon(t, got)
	if !sameColor(icon.At(IconSize/2, IconSize/2), placeholderFill) {
		t.Fatalf("expected placeholder fill in default icon")
	}
	if _, ok := store.iconFor("bare"); ok {
		t.Fatalf("default icon must not be stored per marker")
	}
}

func TestGetIconFallsBackOnFailure(t *testing.T) {
	server := newImageServer(t)
	testCases := []struct {
		name     string
		imageURL string
	}{
		{name: "missing image", imageURL: server.URL + "/missing"},
		{name: "undecodable body", imageURL: server.URL + "/text"},
		{name: "unreachable host", imageURL: "http://127.0.0.1:1/photo.png"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			store := newRecordingStore()
			compositor := newTestCompositor(t, store, zap.New(core))

			got := compositor.GetIcon(context.Background(), markercache.Marker{ID: "m1", Images: []string{testCase.imageURL}})
			if got != compositor.DefaultIcon() {
				t.Fatalf("expected default icon, got %s", got)
			}
			if _, ok := store.iconFor("m1"); ok {
				t.Fatalf("failed composition must not be stored")
			}
			if logs.FilterMessage("icon composition failed").Len() != 1 {
				t.Fatalf("expected a warning for the failure")
			}
		})
	}
}

func TestGetIconRejectsUnsafeMarkerID(t *testing.T) {
	server := newImageServer(t)
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())

	got := compositor.GetIcon(context.Background(), markercache.Marker{ID: "../escape", Images: []string{server.URL + "/photo.png"}})
	if got != compositor.DefaultIcon() {
		t.Fatalf("expected default icon for unsafe id, got %s", got)
	}
	if server.hits.Load() != 0 {
		t.Fatalf("unsafe id must be rejected before fetching")
	}
}

func TestWarmComposesPendingMarkers(t *testing.T) {
	server := newImageServer(t)
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())

	markers := []markercache.Marker{
		{ID: "a", Images: []string{server.URL + "/photo.png"}},
		{ID: "b", Images: []string{server.URL + "/photo.png"}},
		{ID: "c", Images: []string{server.URL + "/photo.png"}},
		{ID: "done", Images: []string{server.URL + "/photo.png"}, IconPath: "/icons/done.png"},
		{ID: "bare", Images: []string{}},
	}
	if err := compositor.Warm(context.Background(), markers); err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		iconPath, ok := store.iconFor(id)
		if !ok {
			t.Fatalf("expected icon for %s", id)
		}
		if _, err := os.Stat(iconPath); err != nil {
			t.Fatalf("icon file for %s missing: %v", id, err)
		}
	}
	if server.hits.Load() != 3 {
		t.Fatalf("expected 3 image fetches, got %d", server.hits.Load())
	}
}

func TestWarmStopsOnCancelledContext(t *testing.T) {
	store := newRecordingStore()
	compositor := newTestCompositor(t, store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := compositor.Warm(ctx, []markercache.Marker{{ID: "a", Images: []string{"http://127.0.0.1:1/x.png"}}})
	if err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Store: newRecordingStore()}); err == nil {
		t.Fatalf("expected error without directory")
	}
	if _, err := New(Config{Directory: t.TempDir()}); err == nil {
		t.Fatalf("expected error without store")
	}
}

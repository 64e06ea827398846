package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
	"github.com/MarcoPoloResearchLab/footprint/internal/mapclient"
	"github.com/MarcoPoloResearchLab/footprint/internal/markercache"
	"go.uber.org/zap"
)

const (
	// DefaultMinDistanceKm is the displacement that warrants a new fetch.
	DefaultMinDistanceKm = 7.0
	// DefaultDebounce coalesces bursts of viewport changes.
	DefaultDebounce = 500 * time.Millisecond
)

var (
	errMissingSource = errors.New("fetcher: marker source is required")
	errMissingStore  = errors.New("fetcher: marker store is required")
)

// MarkerSource fetches the authoritative marker set for a viewport.
type MarkerSource interface {
	MapMarkers(ctx context.Context, query mapclient.Query) ([]markercache.Marker, error)
}

// MarkerStore is the persisted replica.
type MarkerStore interface {
	Load(ctx context.Context) (markercache.Snapshot, bool, error)
	MergeAndSave(ctx context.Context, server []markercache.Marker, viewport markercache.Viewport) (markercache.MergeResult, error)
	IsFirstVisit(ctx context.Context) (bool, error)
	MarkVisited(ctx context.Context) error
}

// IconWarmer composes icons for displayed markers.
type IconWarmer interface {
	Warm(ctx context.Context, markers []markercache.Marker) error
}

// Source names where a displayed marker set came from.
type Source string

const (
	// SourceCache is the optimistic display shown while a fetch is in flight.
	SourceCache Source = "cache"
	// SourceServer is the authoritative set for the current viewport.
	SourceServer Source = "server"
	// SourceFallback is the cached set shown after a failed fetch.
	SourceFallback Source = "fallback"
)

// DisplayFunc receives every marker set the map should render.
type DisplayFunc func(markers []markercache.Marker, source Source)

// Outcome reports what a refresh did.
type Outcome string

const (
	OutcomeFetched Outcome = "fetched"
	OutcomeNearby  Outcome = "skipped_nearby"
	OutcomeBusy    Outcome = "dropped_busy"
	OutcomeFailed  Outcome = "failed"
)

// Viewport is a map view to load.
type Viewport struct {
	Center        geo.Point
	RadiusKm      float64
	IncludePublic bool
}

// Result describes one refresh.
type Result struct {
	Outcome    Outcome
	Markers    []markercache.Marker
	Merge      markercache.MergeResult
	FirstVisit bool
	Err        error
}

// Config describes the collaborators of a Controller.
type Config struct {
	Source        MarkerSource
	Store         MarkerStore
	Icons         IconWarmer
	Display       DisplayFunc
	ViewerID      string
	MinDistanceKm float64
	// Debounce of zero schedules each change immediately; negative selects DefaultDebounce.
	Debounce time.Duration
	Logger   *zap.Logger
	// Context scopes debounced refreshes and icon warming. Defaults to context.Background.
	Context context.Context
}

// Controller gates marker fetches by displacement. At most one fetch runs at a time;
// viewport changes that arrive meanwhile are dropped, not queued.
type Controller struct {
	source        MarkerSource
	store         MarkerStore
	icons         IconWarmer
	display       DisplayFunc
	viewerID      string
	minDistanceKm float64
	debounce      time.Duration
	logger        *zap.Logger
	baseCtx       context.Context

	fetching atomic.Bool

	mu           sync.Mutex
	last         *Viewport
	staleFetch   bool
	timer        *time.Timer
	pending      Viewport
	pendingForce bool
	hasPending   bool
	closed       bool

	background sync.WaitGroup
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	minDistance := cfg.MinDistanceKm
	if minDistance <= 0 {
		minDistance = DefaultMinDistanceKm
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	display := cfg.Display
	if display == nil {
		display = func([]markercache.Marker, Source) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx := cfg.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Controller{
		source:        cfg.Source,
		store:         cfg.Store,
		icons:         cfg.Icons,
		display:       display,
		viewerID:      cfg.ViewerID,
		minDistanceKm: minDistance,
		debounce:      debounce,
		logger:        logger,
		baseCtx:       baseCtx,
	}, nil
}

// ViewportChanged schedules a refresh after the debounce window. Later calls within the
// window replace the viewport; a forced request stays forced until it runs.
func (c *Controller) ViewportChanged(viewport Viewport, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = viewport
	c.pendingForce = c.pendingForce || force
	c.hasPending = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flush)
		return
	}
	c.timer.Reset(c.debounce)
}

// Flush runs a pending debounced change now instead of waiting for the window to close.
func (c *Controller) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) flush() {
	c.mu.Lock()
	if !c.hasPending || c.closed {
		c.mu.Unlock()
		return
	}
	viewport, force := c.pending, c.pendingForce
	c.hasPending = false
	c.pendingForce = false
	c.background.Add(1)
	c.mu.Unlock()

	defer c.background.Done()
	c.Refresh(c.baseCtx, viewport, force)
}

// Refresh runs the gate and, when warranted, fetches synchronously.
func (c *Controller) Refresh(ctx context.Context, viewport Viewport, force bool) Result {
	if !c.fetching.CompareAndSwap(false, true) {
		if force {
			c.mu.Lock()
			c.last = nil
			c.staleFetch = true
			c.mu.Unlock()
		}
		c.logger.Debug("viewport change dropped while fetching", zap.Bool("force", force))
		return Result{Outcome: OutcomeBusy}
	}
	defer c.fetching.Store(false)

	c.mu.Lock()
	if force {
		c.last = nil
	}
	last := c.last
	c.staleFetch = false
	c.mu.Unlock()

	if last != nil {
		if distance := geo.HaversineKm(last.Center, viewport.Center); distance < c.minDistanceKm {
			return Result{Outcome: OutcomeNearby}
		}
	}

	cached := c.cachedView(ctx, viewport)
	c.display(cached, SourceCache)

	markers, err := c.source.MapMarkers(ctx, mapclient.Query{
		Center:        viewport.Center,
		RadiusKm:      viewport.RadiusKm,
		IncludePublic: viewport.IncludePublic,
	})
	if err != nil {
		if errors.Is(err, mapclient.ErrInvalidRequest) {
			c.record(viewport)
		}
		c.logger.Warn("map markers fetch failed",
			zap.Float64("latitude", viewport.Center.Latitude),
			zap.Float64("longitude", viewport.Center.Longitude),
			zap.Error(err))
		c.display(cached, SourceFallback)
		return Result{Outcome: OutcomeFailed, Markers: cached, Err: err}
	}

	firstVisit, err := c.store.IsFirstVisit(ctx)
	if err != nil {
		c.logger.Warn("first visit flag unreadable", zap.Error(err))
	}

	merge, err := c.store.MergeAndSave(ctx, markers, markercache.Viewport{
		Center:        viewport.Center,
		RadiusKm:      viewport.RadiusKm,
		IncludePublic: viewport.IncludePublic,
		ViewerID:      c.viewerID,
	})
	displayed := markers
	if err != nil {
		c.logger.Warn("marker cache merge failed", zap.Error(err))
	} else {
		displayed = serverSubset(merge.AllMarkers, markers)
	}
	if firstVisit {
		if err := c.store.MarkVisited(ctx); err != nil {
			c.logger.Warn("first visit flag not persisted", zap.Error(err))
		}
	}

	c.record(viewport)
	c.display(displayed, SourceServer)
	c.warmIcons(displayed)

	return Result{Outcome: OutcomeFetched, Markers: displayed, Merge: merge, FirstVisit: firstVisit}
}

// Close stops pending debounced work and waits for background refreshes and icon warming.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.background.Wait()
}

// record stores the descriptor unless a forced refresh arrived during the fetch.
func (c *Controller) record(viewport Viewport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleFetch {
		c.staleFetch = false
		return
	}
	recorded := viewport
	c.last = &recorded
}

func (c *Controller) cachedView(ctx context.Context, viewport Viewport) []markercache.Marker {
	snapshot, found, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("marker cache unreadable", zap.Error(err))
		return []markercache.Marker{}
	}
	if !found {
		return []markercache.Marker{}
	}
	nearby := markercache.FilterByDistance(snapshot.Markers, viewport.Center, viewport.RadiusKm)
	return markercache.FilterByIncludePublic(nearby, viewport.IncludePublic, c.viewerID)
}

func (c *Controller) warmIcons(markers []markercache.Marker) {
	if c.icons == nil || len(markers) == 0 {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.background.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.background.Done()
		if err := c.icons.Warm(c.baseCtx, markers); err != nil {
			c.logger.Warn("icon warming interrupted", zap.Error(err))
		}
	}()
}

// serverSubset returns the merged versions of the server markers, in server order.
func serverSubset(merged, server []markercache.Marker) []markercache.Marker {
	byID := make(map[string]markercache.Marker, len(merged))
	for _, marker := range merged {
		byID[marker.ID] = marker
	}
	subset := make([]markercache.Marker, 0, len(server))
	seen := make(map[string]struct{}, len(server))
	for _, marker := range server {
		if _, duplicate := seen[marker.ID]; duplicate {
			continue
		}
		seen[marker.ID] = struct{}{}
		if mergedMarker, ok := byID[marker.ID]; ok {
			subset = append(subset, mergedMarker)
		}
	}
	return subset
}

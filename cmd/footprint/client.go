package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/footprint/internal/auth"
	"github.com/MarcoPoloResearchLab/footprint/internal/config"
	"github.com/MarcoPoloResearchLab/footprint/internal/fetcher"
	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
	"github.com/MarcoPoloResearchLab/footprint/internal/icons"
	"github.com/MarcoPoloResearchLab/footprint/internal/logging"
	"github.com/MarcoPoloResearchLab/footprint/internal/mapclient"
	"github.com/MarcoPoloResearchLab/footprint/internal/markercache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultViewportRadiusKm = 10.0

type clientRuntime struct {
	cfg        config.ClientConfig
	logger     *zap.Logger
	cache      *markercache.Cache
	compositor *icons.Compositor
	controller *fetcher.Controller
}

func openClient(ctx context.Context, display fetcher.DisplayFunc) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	viewerID := ""
	if clientConfig.Token != "" {
		viewerID, err = auth.PeekSubject(clientConfig.Token)
		if err != nil {
			return nil, err
		}
	}

	cache, err := markercache.Open(clientConfig.CachePath, clientConfig.CacheKey, logger)
	if err != nil {
		return nil, err
	}
	markerClient, err := mapclient.New(mapclient.Config{
		BaseURL:        clientConfig.ServerURL,
		Token:          clientConfig.Token,
		RequestTimeout: clientConfig.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	compositor, err := icons.New(icons.Config{
		Directory: clientConfig.IconDir,
		Store:     cache,
		Logger:    logger,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	controller, err := fetcher.New(fetcher.Config{
		Source:        markerClient,
		Store:         cache,
		Icons:         compositor,
		Display:       display,
		ViewerID:      viewerID,
		MinDistanceKm: clientConfig.MinDistanceKm,
		Debounce:      clientConfig.Debounce,
		Logger:        logger,
		Context:       ctx,
	})
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	return &clientRuntime{
		cfg:        clientConfig,
		logger:     logger,
		cache:      cache,
		compositor: compositor,
		controller: controller,
	}, nil
}

func (r *clientRuntime) Close() {
	r.controller.Close()
	if err := r.cache.Close(); err != nil {
		r.logger.Warn("marker cache close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// withIcons attaches the icon recorded in the cache, or the default pin, to each marker.
func (r *clientRuntime) withIcons(ctx context.Context, markers []markercache.Marker) []markercache.Marker {
	recorded := make(map[string]string)
	if snapshot, found, err := r.cache.Load(ctx); err == nil && found {
		for _, marker := range snapshot.Markers {
			if marker.IconPath != "" {
				recorded[marker.ID] = marker.IconPath
			}
		}
	}
	decorated := make([]markercache.Marker, 0, len(markers))
	for _, marker := range markers {
		if marker.IconPath == "" {
			marker.IconPath = recorded[marker.ID]
		}
		if marker.IconPath == "" {
			marker.IconPath = r.compositor.DefaultIcon()
		}
		decorated = append(decorated, marker)
	}
	return decorated
}

type markersOutput struct {
	Outcome          fetcher.Outcome      `json:"outcome"`
	FirstVisit       bool                 `json:"firstVisit"`
	Error            string               `json:"error,omitempty"`
	NewMarkerIDs     []string             `json:"newMarkerIds"`
	DeletedMarkerIDs []string             `json:"deletedMarkerIds"`
	Markers          []markercache.Marker `json:"markers"`
}

type displayLine struct {
	Source  fetcher.Source `json:"source"`
	Count   int            `json:"count"`
	Markers []string       `json:"markerIds"`
}

func newMarkersCommand() *cobra.Command {
	var (
		latitude      float64
		longitude     float64
		radiusKm      float64
		includePublic bool
	)
	cmd := &cobra.Command{
		Use:   "markers",
		Short: "Fetch map markers for a viewport through the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			center, err := geo.NewPoint(latitude, longitude)
			if err != nil {
				return err
			}
			return runMarkers(cmd.Context(), cmd.OutOrStdout(), fetcher.Viewport{
				Center:        center,
				RadiusKm:      radiusKm,
				IncludePublic: includePublic,
			})
		},
	}
	cmd.Flags().Float64Var(&latitude, "latitude", 0, "Viewport centre latitude")
	cmd.Flags().Float64Var(&longitude, "longitude", 0, "Viewport centre longitude")
	cmd.Flags().Float64Var(&radiusKm, "radius", defaultViewportRadiusKm, "Viewport radius in kilometres")
	cmd.Flags().BoolVar(&includePublic, "include-public", true, "Include other users' public check-ins")
	addClientFlags(cmd)

	cmd.AddCommand(newWatchCommand())
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	cmd.Flags().Float64("min-distance", defaults.GetFloat64("client.min_distance_km"), "Displacement in km that triggers a new fetch")
	cmd.Flags().Int("debounce-ms", defaults.GetInt("client.debounce_ms"), "Debounce window for viewport changes")
	bindLocalFlag(cmd, "client.min_distance_km", "min-distance")
	bindLocalFlag(cmd, "client.debounce_ms", "debounce-ms")
}

func runMarkers(ctx context.Context, out io.Writer, viewport fetcher.Viewport) error {
	app, err := openClient(ctx, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	result := app.controller.Refresh(ctx, viewport, true)
	// Icons are warmed in the background; wait so their paths can be reported.
	app.controller.Close()

	output := markersOutput{
		Outcome:          result.Outcome,
		FirstVisit:       result.FirstVisit,
		NewMarkerIDs:     markerIDs(result.Merge.NewMarkers),
		DeletedMarkerIDs: result.Merge.DeletedMarkerIDs,
		Markers:          app.withIcons(ctx, result.Markers),
	}
	if output.DeletedMarkerIDs == nil {
		output.DeletedMarkerIDs = []string{}
	}
	if result.Err != nil {
		output.Error = result.Err.Error()
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func newWatchCommand() *cobra.Command {
	var includePublic bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Read viewports from stdin (\"lat lon [radius]\" per line) and print each display update",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), includePublic)
		},
	}
	cmd.Flags().BoolVar(&includePublic, "include-public", true, "Include other users' public check-ins")
	addClientFlags(cmd)
	return cmd
}

func runWatch(ctx context.Context, in io.Reader, out io.Writer, includePublic bool) error {
	var writeMu sync.Mutex
	encoder := json.NewEncoder(out)
	display := func(markers []markercache.Marker, source fetcher.Source) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = encoder.Encode(displayLine{Source: source, Count: len(markers), Markers: markerIDs(markers)})
	}

	app, err := openClient(ctx, display)
	if err != nil {
		return err
	}
	defer app.Close()

	scanner := bufio.NewScanner(in)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		viewport, err := parseViewportLine(line, includePublic)
		if err != nil {
			app.logger.Warn("ignoring viewport line", zap.Int("line", lineNumber), zap.Error(err))
			continue
		}
		app.controller.ViewportChanged(viewport, false)
	}
	app.controller.Flush()
	return scanner.Err()
}

func parseViewportLine(line string, includePublic bool) (fetcher.Viewport, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) < 2 || len(fields) > 3 {
		return fetcher.Viewport{}, fmt.Errorf("expected \"lat lon [radius]\", got %q", line)
	}
	values := make([]float64, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return fetcher.Viewport{}, fmt.Errorf("invalid number %q", field)
		}
		values = append(values, value)
	}
	center, err := geo.NewPoint(values[0], values[1])
	if err != nil {
		return fetcher.Viewport{}, err
	}
	radius := defaultViewportRadiusKm
	if len(values) == 3 {
		radius = values[2]
	}
	return fetcher.Viewport{Center: center, RadiusKm: radius, IncludePublic: includePublic}, nil
}

func markerIDs(markers []markercache.Marker) []string {
	ids := make([]string, 0, len(markers))
	for _, marker := range markers {
		ids = append(ids, marker.ID)
	}
	return ids
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the local marker cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove cached markers and the first-visit flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientConfig, err := config.LoadClient(viper.GetViper())
			if err != nil {
				return err
			}
			cache, err := markercache.Open(clientConfig.CachePath, clientConfig.CacheKey, zap.NewNop())
			if err != nil {
				return err
			}
			defer cache.Close()
			if err := cache.Clear(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "cache cleared:", clientConfig.CachePath)
			return err
		},
	})
	return cmd
}

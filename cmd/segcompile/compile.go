package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"segmentcore/internal/blob"
	"segmentcore/internal/compile"
	"segmentcore/internal/config"
	"segmentcore/internal/logging"
	"segmentcore/internal/metrics"
	"segmentcore/internal/persistence"
	"segmentcore/internal/segmentation"
	"segmentcore/internal/tileio"
	"segmentcore/pkg/domain"
)

type compileOptions struct {
	configPath  string
	input       string
	output      string
	task        int64
	metricsFile string
}

func newCompileCmd(root *rootOptions) *cobra.Command {
	opts := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Merge tile blobs into the compiled entity set",
		Long: `Reads <input>/<tile>/<entity_type>.geojson blobs, merges them into the
snapshot restored from the storage backend, writes <output>/<entity_type>.geojson
and saves the new snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompile(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "compile.yaml", "compile configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.input, "input", "tiles", "blob prefix holding the tile outputs")
	cmd.Flags().StringVar(&opts.output, "output", "compiled", "blob prefix receiving the compiled outputs")
	cmd.Flags().Int64Var(&opts.task, "task", 0, "task ordinal for tiles whose header names none")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus text metrics to this file")
	return cmd
}

func runCompile(ctx context.Context, root *rootOptions, opts *compileOptions) error {
	logger := root.logger()
	file, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	settings, err := file.Settings()
	if err != nil {
		return err
	}

	blobs, err := blob.Open(ctx, root.env.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	snapshots, err := openSnapshots(ctx, root.env)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() { _ = snapshots.Close() }()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewCompileMetrics(registry)
	if err != nil {
		return err
	}
	compiler, err := compile.New(settings, compile.WithLogger(logger), compile.WithRecorder(recorder))
	if err != nil {
		return err
	}

	prev, err := snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !prev.Empty() {
		if err := compiler.Restore(prev.Stores); err != nil {
			return fmt.Errorf("restore snapshot %s: %w", prev.RunID, err)
		}
		logger.Info("restored snapshot", "run_id", prev.RunID, "entity_types", len(prev.Stores))
	}

	tiles, err := readTiles(ctx, blobs, opts.input, opts.task, compiler.EntityTypes(), logger)
	if err != nil {
		return err
	}
	report, err := compiler.Merge(tiles...)
	if err != nil {
		return err
	}

	stores := make(map[domain.EntityType]*segmentation.Store, len(settings.EntityTypes))
	for _, t := range compiler.EntityTypes() {
		stores[t] = compiler.Global(t)
		data, err := tileio.Encode(stores[t], nil)
		if err != nil {
			return fmt.Errorf("encode %s: %w", t, err)
		}
		key := blob.OutputKey(opts.output, t)
		if _, err := blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
			ContentType: tileio.ContentType,
			Metadata:    map[string]string{"run-id": report.RunID.String()},
			Overwrite:   true,
		}); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		logger.Info("wrote output", "key", key, "entities", stores[t].Len(), "run_id", report.RunID.String())
	}
	if err := snapshots.Save(ctx, persistence.Snapshot{RunID: report.RunID.String(), Stores: stores}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, registry); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// readTiles decodes every tile blob under prefix, grouped by tile ordinal.
// Blobs of entity types not in types are skipped with a warning.
func readTiles(ctx context.Context, blobs blob.Store, prefix string, task int64, types []domain.EntityType, logger logging.Logger) ([]*compile.Tile, error) {
	infos, err := blobs.List(ctx, blob.ListPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	known := make(map[domain.EntityType]bool, len(types))
	for _, t := range types {
		known[t] = true
	}
	byOrdinal := make(map[int64]*compile.Tile)
	for _, info := range infos {
		ordinal, entityType, ok := blob.ParseTileKey(prefix, info.Key)
		if !ok {
			continue
		}
		if !known[entityType] {
			logger.Warn("skipping tile blob of unconfigured entity type", "key", info.Key, "entity_type", entityType)
			continue
		}
		data, err := blob.ReadAll(ctx, blobs, info.Key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", info.Key, err)
		}
		store, hdr, err := tileio.Decode(data, entityType)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", info.Key, err)
		}
		tile, ok := byOrdinal[ordinal]
		if !ok {
			tile = &compile.Tile{Ordinal: ordinal, Task: task, Stores: make(map[domain.EntityType]*segmentation.Store)}
			byOrdinal[ordinal] = tile
		}
		if hdr != nil {
			tile.Task = hdr.Task
			tile.Origin = orb.Point(hdr.Origin)
			tile.Size = hdr.Size
		}
		tile.Stores[entityType] = store
		logger.Debug("read tile", "key", info.Key, "entities", store.Len())
	}

	ordinals := make([]int64, 0, len(byOrdinal))
	for o := range byOrdinal {
		ordinals = append(ordinals, o)
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })
	tiles := make([]*compile.Tile, 0, len(ordinals))
	for _, o := range ordinals {
		tiles = append(tiles, byOrdinal[o])
	}
	logger.Info("read tiles", "prefix", prefix, "tiles", len(tiles))
	return tiles, nil
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a compile configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := config.Load(configPath)
			if err != nil {
				return err
			}
			settings, err := file.Settings()
			if err != nil {
				return err
			}
			if _, err := compile.New(settings, compile.WithLogger(root.logger())); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d entity types, %d constraints)\n",
				configPath, len(settings.EntityTypes), constraintCount(settings))
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "compile.yaml", "compile configuration file (YAML or JSON)")
	return cmd
}

func constraintCount(s compile.Settings) int {
	if s.Relationships == nil {
		return 0
	}
	return len(s.Relationships.Constraints)
}

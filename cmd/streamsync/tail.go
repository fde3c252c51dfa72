package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamsync/internal/stream"
	"github.com/dgnsrekt/streamsync/internal/transport"
)

func tailCmd() *cobra.Command {
	var filters []string

	cmd := &cobra.Command{
		Use:   "tail COLLECTION [COLLECTION...]",
		Short: "Follow one or more collections and print changes as JSON lines",
		Long: `Subscribe to the given collections, replay their current contents,
and keep printing every change until interrupted.

Examples:
  # Follow a single collection
  streamsync tail trials

  # Follow several collections in one subscription
  streamsync tail trials sites

  # Apply a server-side filter to every collection
  streamsync tail --filter status=recruiting trials`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter, err := parseFilters(filters)
			if err != nil {
				return err
			}

			specs := make([]stream.Spec, 0, len(args))
			for _, name := range args {
				specs = append(specs, stream.CollectionSpec{Collection: name, Filter: filter})
			}

			enc := json.NewEncoder(os.Stdout)
			callbacks := stream.Callbacks{
				OnUpsert: func(msg stream.Message) {
					if err := enc.Encode(msg); err != nil {
						logger.Warn("failed to write update", zap.Error(err))
					}
				},
				OnDelete: func(group string, keys []int64) {
					if err := enc.Encode(map[string]any{group + "_deleted": keys}); err != nil {
						logger.Warn("failed to write deletion", zap.Error(err))
					}
				},
				OnLoaded: func(labels []string) {
					logger.Info("initial data loaded", zap.Strings("labels", labels))
				},
			}

			tr := transport.NewWebSocket(cfg.Server.URL, cfg.Server.HandshakeTimeout(), logger)
			engine := stream.New(tr, callbacks, stream.Config{
				Backoff: cfg.Stream.Backoff(),
				Routes:  cfg.Stream.Routes,
			}, logger)

			engine.Subscribe("tail", specs...)

			logger.Info("following collections",
				zap.String("url", cfg.Server.URL),
				zap.Strings("collections", args),
			)

			err = engine.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&filters, "filter", nil, "server-side filter as key=value, repeatable")

	return cmd
}

// parseFilters turns key=value pairs into a filter map; nil when empty.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", pair)
		}
		filter[key] = value
	}
	return filter, nil
}

package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/query"
)

var watchDuration time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <latitude> <longitude> <radius_km>",
	Short: "Stream query events as JSON lines until interrupted",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		center, err := parseLocation(args[0], args[1])
		if err != nil {
			return err
		}
		radius, err := parseRadius(args[2])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if watchDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, watchDuration)
			defer cancel()
		}

		env, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.Collection.Query(model.NewQueryCriteria(center, radius), query.WithContext(ctx))
		if err != nil {
			return err
		}
		defer q.Cancel()

		var mu sync.Mutex
		enc := json.NewEncoder(cmd.OutOrStdout())
		emit := func(ev query.Event) {
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(ev); err != nil {
				zap.L().Warn("⚠️ Failed to write event", zap.Error(err))
			}
		}
		for _, typ := range []query.EventType{query.EventReady, query.EventKeyEntered, query.EventKeyExited, query.EventKeyMoved} {
			if _, err := q.On(typ, emit); err != nil {
				return err
			}
		}

		zap.L().Info("👀 Watching", zap.Stringer("center", center), zap.Float64("radius_km", radius))
		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDuration, "duration", 0, "stop after this long (default: until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

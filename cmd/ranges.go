package main

import (
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/geo"
	"GeoQuery-App/internal/domain/model"
)

var rangesGeoJSON bool

var rangesCmd = &cobra.Command{
	Use:   "ranges <latitude> <longitude> <radius_km>",
	Short: "Print the geohash ranges that cover a circle",
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
		if err := codec.ValidateCriteria(model.NewQueryCriteria(center, radius), true); err != nil {
			return err
		}

		ranges, err := geo.GeohashQueries(center, radius*1000)
		if err != nil {
			return err
		}
		if !rangesGeoJSON {
			for _, r := range ranges {
				fmt.Fprintln(cmd.OutOrStdout(), r.String())
			}
			return nil
		}

		fc, err := rangesFeatureCollection(center, radius, ranges)
		if err != nil {
			return err
		}
		out, err := fc.MarshalJSON()
		if err != nil {
			return eris.Wrap(err, "ranges: marshal geojson")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rangesCmd.Flags().BoolVar(&rangesGeoJSON, "geojson", false, "print a GeoJSON FeatureCollection instead of start:end lines")
	rootCmd.AddCommand(rangesCmd)
}

// rangesFeatureCollection 円の外接矩形と各範囲の先頭セルをGeoJSONにする
func rangesFeatureCollection(center model.Location, radiusKm float64, ranges []model.GeohashRange) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()

	bbox := geojson.NewFeature(geo.BoundingBox(center, radiusKm*1000).ToPolygon())
	bbox.Properties["kind"] = "bounding_box"
	bbox.Properties["radius_km"] = radiusKm
	fc.Append(bbox)

	centerFeature := geojson.NewFeature(center.Point())
	centerFeature.Properties["kind"] = "center"
	fc.Append(centerFeature)

	for _, r := range ranges {
		bound, err := geo.DecodeGeohashBounds(r.Start)
		if err != nil {
			return nil, err
		}
		f := geojson.NewFeature(bound.ToPolygon())
		f.Properties["kind"] = "range"
		f.Properties["start"] = r.Start
		f.Properties["end"] = r.End
		fc.Append(f)
	}
	return fc, nil
}

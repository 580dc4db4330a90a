package geo

import (
	"math"
	"strings"

	mmgeohash "github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/model"
)

const (
	// DefaultPrecision 保存時のgeohash長
	DefaultPrecision = 10
	// MaxPrecision geohashの最大長
	MaxPrecision = 22
	// BitsPerChar 1文字あたりのビット数
	BitsPerChar = 5
	// MaximumBitsPrecision geohashの最大ビット数
	MaximumBitsPrecision = MaxPrecision * BitsPerChar
)

// EncodeGeohash 位置を指定長のgeohashに変換する
// 経度から始めて交互に区間を二分し、5ビットごとに1文字を出力する
func EncodeGeohash(location model.Location, precision int) (string, error) {
	if err := codec.ValidateLocation(location); err != nil {
		return "", err
	}
	if precision <= 0 {
		return "", eris.Wrap(model.ErrInvalidArgument, "invalid precision: precision must be greater than 0")
	}
	if precision > MaxPrecision {
		return "", eris.Wrapf(model.ErrInvalidArgument, "invalid precision: precision cannot be greater than %d", MaxPrecision)
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	var hash strings.Builder
	hash.Grow(precision)
	hashVal := 0
	bits := 0
	even := true
	for hash.Len() < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if location.Longitude > mid {
				hashVal = hashVal<<1 + 1
				lonMin = mid
			} else {
				hashVal = hashVal << 1
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if location.Latitude > mid {
				hashVal = hashVal<<1 + 1
				latMin = mid
			} else {
				hashVal = hashVal << 1
				latMax = mid
			}
		}
		even = !even

		if bits < BitsPerChar-1 {
			bits++
			continue
		}
		bits = 0
		hash.WriteByte(codec.Base32[hashVal])
		hashVal = 0
	}
	return hash.String(), nil
}

// MustEncodeGeohash 検証済みの位置をデフォルト長でエンコードする
func MustEncodeGeohash(location model.Location) string {
	hash, err := EncodeGeohash(location, DefaultPrecision)
	if err != nil {
		panic(err)
	}
	return hash
}

// DecodeGeohashBounds geohashセルの境界ボックスを返す
func DecodeGeohashBounds(geohash string) (orb.Bound, error) {
	if err := codec.ValidateGeohash(geohash); err != nil {
		return orb.Bound{}, err
	}
	box := mmgeohash.BoundingBox(geohash)
	return orb.Bound{
		Min: orb.Point{box.MinLng, box.MinLat},
		Max: orb.Point{box.MaxLng, box.MaxLat},
	}, nil
}

// DegreesToRadians 度をラジアンに変換
func DegreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

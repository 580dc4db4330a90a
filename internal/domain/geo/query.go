package geo

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/codec"
	"GeoQuery-App/internal/domain/model"
)

// RangeSentinel どのgeohash文字よりも大きい文字。前方一致の上限に使う
const RangeSentinel = "~"

// GeohashQuery geohashを bits ビット精度に丸めた [start, end) 範囲を計算する
func GeohashQuery(geohash string, bits int) (model.GeohashRange, error) {
	if err := codec.ValidateGeohash(geohash); err != nil {
		return model.GeohashRange{}, err
	}
	if bits <= 0 {
		return model.GeohashRange{}, eris.Wrapf(model.ErrInvalidArgument, "invalid bits %d: bits must be greater than 0", bits)
	}
	precision := int(math.Ceil(float64(bits) / BitsPerChar))
	if len(geohash) < precision {
		return model.GeohashRange{Start: geohash, End: geohash + RangeSentinel}, nil
	}

	geohash = geohash[:precision]
	base := geohash[:len(geohash)-1]
	lastValue := strings.IndexByte(codec.Base32, geohash[len(geohash)-1])
	significantBits := bits - len(base)*BitsPerChar
	unusedBits := BitsPerChar - significantBits

	// 使わない下位ビットを落とす
	startValue := (lastValue >> unusedBits) << unusedBits
	endValue := startValue + (1 << unusedBits)
	if endValue > 31 {
		return model.GeohashRange{Start: base + string(codec.Base32[startValue]), End: base + RangeSentinel}, nil
	}
	return model.GeohashRange{
		Start: base + string(codec.Base32[startValue]),
		End:   base + string(codec.Base32[endValue]),
	}, nil
}

// GeohashQueries 円を完全に覆う [start, end) 範囲の集合を計算する
// 結果は円より広い範囲を含みうるため、呼び出し側で正確な距離判定が必要
func GeohashQueries(center model.Location, radius float64) ([]model.GeohashRange, error) {
	if err := codec.ValidateLocation(center); err != nil {
		return nil, err
	}
	queryBits := max(1, BoundingBoxBits(center, radius))
	geohashPrecision := int(math.Ceil(float64(queryBits) / BitsPerChar))

	coordinates := BoundingBoxCoordinates(center, radius)
	queries := make([]model.GeohashRange, 0, len(coordinates))
	seen := make(map[model.GeohashRange]struct{}, len(coordinates))
	for _, coordinate := range coordinates {
		hash, err := EncodeGeohash(coordinate, geohashPrecision)
		if err != nil {
			return nil, err
		}
		query, err := GeohashQuery(hash, queryBits)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[query]; dup {
			continue
		}
		seen[query] = struct{}{}
		queries = append(queries, query)
	}
	return queries, nil
}

package geo

import (
	"math"

	"github.com/paulmach/orb"

	"GeoQuery-App/internal/domain/model"
)

// BoundingBoxBits 指定地点で size メートル以上の境界ボックスを得るための最大ビット数
// 経度側は南北両端で評価し、非対称性の補正として1ビット減らす
func BoundingBoxBits(coordinate model.Location, size float64) int {
	latDeltaDegrees := size / MetersPerDegreeLatitude
	latitudeNorth := math.Min(90, coordinate.Latitude+latDeltaDegrees)
	latitudeSouth := math.Max(-90, coordinate.Latitude-latDeltaDegrees)

	bitsLat := int(math.Floor(LatitudeBitsForResolution(size))) * 2
	bitsLongNorth := int(math.Floor(LongitudeBitsForResolution(size, latitudeNorth)))*2 - 1
	bitsLongSouth := int(math.Floor(LongitudeBitsForResolution(size, latitudeSouth)))*2 - 1

	return min(bitsLat, bitsLongNorth, bitsLongSouth, MaximumBitsPrecision)
}

// 経度方向の幅が半周以上になる円で使う標本経度
var polarLongitudes = []float64{-180, -90, 0, 90}

// BoundingBoxCoordinates 円の中心と境界ボックス上の8点（計9点）を返す
// 円内の任意のgeohashは、この9点のいずれかのgeohashを半径相当の精度で切り詰めたものを接頭辞に持つ
// 極を含むなど経度幅が180度以上になる場合は、中心・北端・南端の各緯度で全周の経度を返す
func BoundingBoxCoordinates(center model.Location, radius float64) []model.Location {
	latDegrees := radius / MetersPerDegreeLatitude
	latitudeNorth := math.Min(90, center.Latitude+latDegrees)
	latitudeSouth := math.Max(-90, center.Latitude-latDegrees)
	longDegsNorth := MetersToLongitudeDegrees(radius, latitudeNorth)
	longDegsSouth := MetersToLongitudeDegrees(radius, latitudeSouth)
	longDegs := math.Max(longDegsNorth, longDegsSouth)

	if longDegs >= 180 {
		rows := []float64{center.Latitude, latitudeNorth, latitudeSouth}
		coordinates := make([]model.Location, 0, len(rows)*(len(polarLongitudes)+1))
		for _, lat := range rows {
			coordinates = append(coordinates, model.Location{Latitude: lat, Longitude: center.Longitude})
			for _, lon := range polarLongitudes {
				coordinates = append(coordinates, model.Location{Latitude: lat, Longitude: lon})
			}
		}
		return coordinates
	}

	west := WrapLongitude(center.Longitude - longDegs)
	east := WrapLongitude(center.Longitude + longDegs)

	return []model.Location{
		{Latitude: center.Latitude, Longitude: center.Longitude},
		{Latitude: center.Latitude, Longitude: west},
		{Latitude: center.Latitude, Longitude: east},
		{Latitude: latitudeNorth, Longitude: center.Longitude},
		{Latitude: latitudeNorth, Longitude: west},
		{Latitude: latitudeNorth, Longitude: east},
		{Latitude: latitudeSouth, Longitude: center.Longitude},
		{Latitude: latitudeSouth, Longitude: west},
		{Latitude: latitudeSouth, Longitude: east},
	}
}

// BoundingBox 円を囲む境界ボックス（経度の折り返しは考慮しない表示用）
func BoundingBox(center model.Location, radius float64) orb.Bound {
	bound := orb.Bound{Min: center.Point(), Max: center.Point()}
	for _, c := range BoundingBoxCoordinates(center, radius) {
		bound = bound.Extend(c.Point())
	}
	return bound
}

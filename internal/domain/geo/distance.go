package geo

import (
	"math"

	"GeoQuery-App/internal/domain/model"
)

const (
	// EarthRadiusKm 距離計算に使う地球半径（km）
	EarthRadiusKm = 6371.0
	// EarthMeridionalCircumference 子午線方向の地球周長（m）
	EarthMeridionalCircumference = 40007860.0
	// MetersPerDegreeLatitude 赤道における緯度1度あたりの距離（m）
	MetersPerDegreeLatitude = 110574.0
	// EarthEquatorialRadius 赤道半径（m）
	EarthEquatorialRadius = 6378137.0
	// EarthE2 離心率の二乗 (a²-b²)/a²。丸め誤差を避けるため確定値を使う
	EarthE2 = 0.00669447819799
	// Epsilon 浮動小数点の丸め誤差の閾値
	Epsilon = 1e-12
)

// Distance 2点間の距離（km）をハーバサイン公式で計算する
// 地球半径は 6356.752km〜6378.137km で変化するため近似値
func Distance(a, b model.Location) float64 {
	latDelta := DegreesToRadians(b.Latitude - a.Latitude)
	lonDelta := DegreesToRadians(b.Longitude - a.Longitude)

	h := math.Sin(latDelta/2)*math.Sin(latDelta/2) +
		math.Cos(DegreesToRadians(a.Latitude))*math.Cos(DegreesToRadians(b.Latitude))*
			math.Sin(lonDelta/2)*math.Sin(lonDelta/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// MetersToLongitudeDegrees 指定緯度でメートル距離が経度何度に相当するか
func MetersToLongitudeDegrees(distance, latitude float64) float64 {
	radians := DegreesToRadians(latitude)
	num := math.Cos(radians) * EarthEquatorialRadius * math.Pi / 180
	denom := 1 / math.Sqrt(1-EarthE2*math.Sin(radians)*math.Sin(radians))
	deltaDeg := num * denom
	if deltaDeg < Epsilon {
		if distance > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distance/deltaDeg)
}

// LongitudeBitsForResolution 指定緯度で経度方向の分解能を得るのに必要なビット数
func LongitudeBitsForResolution(resolution, latitude float64) float64 {
	degs := MetersToLongitudeDegrees(resolution, latitude)
	if math.Abs(degs) > 0.000001 {
		return math.Max(1, math.Log2(360/degs))
	}
	return 1
}

// LatitudeBitsForResolution 緯度方向の分解能を得るのに必要なビット数
func LatitudeBitsForResolution(resolution float64) float64 {
	return math.Min(math.Log2(EarthMeridionalCircumference/2/resolution), MaximumBitsPrecision)
}

// WrapLongitude 経度を [-180, 180] に収める
func WrapLongitude(longitude float64) float64 {
	if longitude <= 180 && longitude >= -180 {
		return longitude
	}
	adjusted := longitude + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

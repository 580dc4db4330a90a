package model

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Location 緯度経度のペアを表す値型
type Location struct {
	Latitude  float64 `json:"latitude"`  // [-90, 90]
	Longitude float64 `json:"longitude"` // [-180, 180]
}

// NewLocation 緯度・経度からLocationを作成
func NewLocation(latitude, longitude float64) Location {
	return Location{Latitude: latitude, Longitude: longitude}
}

// Point orb.Point（[経度, 緯度]の順）に変換
func (l Location) Point() orb.Point {
	return orb.Point{l.Longitude, l.Latitude}
}

// LocationFromPoint orb.Point から Location に変換
func LocationFromPoint(p orb.Point) Location {
	return Location{Latitude: p.Lat(), Longitude: p.Lon()}
}

// Equal 緯度経度が完全一致するかチェック
func (l Location) Equal(other Location) bool {
	return l.Latitude == other.Latitude && l.Longitude == other.Longitude
}

// Pair 保存形式の [緯度, 経度] 配列に変換
func (l Location) Pair() [2]float64 {
	return [2]float64{l.Latitude, l.Longitude}
}

func (l Location) String() string {
	return fmt.Sprintf("[%g, %g]", l.Latitude, l.Longitude)
}

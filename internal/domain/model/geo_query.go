package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// QueryCriteria 範囲クエリの中心と半径（km）
// nil のフィールドは「指定なし」を意味し、UpdateCriteria では前回値が使われる
type QueryCriteria struct {
	Center *Location `json:"center,omitempty"`
	Radius *float64  `json:"radius,omitempty"`
}

// NewQueryCriteria 中心と半径の両方を指定したクエリ条件を作成
func NewQueryCriteria(center Location, radiusKm float64) QueryCriteria {
	return QueryCriteria{Center: &center, Radius: &radiusKm}
}

// WithCenter 中心のみを指定したクエリ条件
func WithCenter(center Location) QueryCriteria {
	return QueryCriteria{Center: &center}
}

// WithRadius 半径のみを指定したクエリ条件
func WithRadius(radiusKm float64) QueryCriteria {
	return QueryCriteria{Radius: &radiusKm}
}

// GeohashRange [Start, End) のgeohash文字列範囲
type GeohashRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// String 購読管理用のキー表現 "start:end"
func (r GeohashRange) String() string {
	return r.Start + ":" + r.End
}

// Contains geohash がこの範囲に含まれるか (Start <= g < End)
func (r GeohashRange) Contains(geohash string) bool {
	return geohash >= r.Start && geohash < r.End
}

// ParseGeohashRange "start:end" 形式の文字列を範囲に戻す
func ParseGeohashRange(s string) (GeohashRange, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return GeohashRange{}, eris.Wrapf(ErrInvalidState, "not a valid geohash range: %q", s)
	}
	return GeohashRange{Start: parts[0], End: parts[1]}, nil
}

// SetLocationsRequest 単一キー形式またはマッピング形式の書き込み要求
// Location が nil の場合は削除を意味する
type SetLocationsRequest struct {
	Key       string               `json:"key,omitempty"`
	Location  *Location            `json:"location,omitempty"`
	Locations map[string]*Location `json:"locations,omitempty"`
}

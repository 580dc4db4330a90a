package codec

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/domain/model"
)

// Base32 geohashで使用する32文字
const Base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// キーを含むドキュメントパスの上限。'i/<geohash>key' の形で最大 755 文字
const (
	maxKeyPathLength = 755
	keyGeohashLength = 10
)

// ValidateKey レコードキーを検証する
func ValidateKey(key string) error {
	var reason string
	switch {
	case key == "":
		reason = "key cannot be the empty string"
	case 1+keyGeohashLength+len(key) > maxKeyPathLength:
		reason = "key is too long to be stored"
	case strings.ContainsAny(key, ".#$[]/") || containsControl(key):
		reason = "key cannot contain any of the following characters: . # $ ] [ /"
	}
	if reason != "" {
		return eris.Wrapf(model.ErrInvalidArgument, "invalid key '%s': %s", key, reason)
	}
	return nil
}

func containsControl(s string) bool {
	for _, r := range s {
		if r <= 0x1F || r == 0x7F {
			return true
		}
	}
	return false
}

// ValidateLocation 緯度経度の範囲と数値としての妥当性を検証する
func ValidateLocation(location model.Location) error {
	var reason string
	lat, lon := location.Latitude, location.Longitude
	switch {
	case math.IsNaN(lat) || math.IsInf(lat, 0):
		reason = "latitude must be a number"
	case lat < -90 || lat > 90:
		reason = "latitude must be within the range [-90, 90]"
	case math.IsNaN(lon) || math.IsInf(lon, 0):
		reason = "longitude must be a number"
	case lon < -180 || lon > 180:
		reason = "longitude must be within the range [-180, 180]"
	}
	if reason != "" {
		return eris.Wrapf(model.ErrInvalidArgument, "invalid location %s: %s", location, reason)
	}
	return nil
}

// ValidateGeohash geohash文字列を検証する
func ValidateGeohash(geohash string) error {
	var reason string
	if geohash == "" {
		reason = "geohash cannot be the empty string"
	} else {
		for _, letter := range geohash {
			if !strings.ContainsRune(Base32, letter) {
				reason = "geohash cannot contain '" + string(letter) + "'"
				break
			}
		}
	}
	if reason != "" {
		return eris.Wrapf(model.ErrInvalidArgument, "invalid geohash '%s': %s", geohash, reason)
	}
	return nil
}

// ValidateCriteria クエリ条件を検証する
// requireCenterAndRadius が true の場合は新規クエリとして両方を必須とする
func ValidateCriteria(criteria model.QueryCriteria, requireCenterAndRadius bool) error {
	if criteria.Center == nil && criteria.Radius == nil {
		return eris.Wrap(model.ErrInvalidArgument, "invalid criteria: radius and/or center must be specified")
	}
	if requireCenterAndRadius && (criteria.Center == nil || criteria.Radius == nil) {
		return eris.Wrap(model.ErrInvalidArgument, "invalid criteria: query criteria for a new query must contain both a center and a radius")
	}
	if criteria.Center != nil {
		if err := ValidateLocation(*criteria.Center); err != nil {
			return eris.Wrap(err, "invalid criteria center")
		}
	}
	if criteria.Radius != nil {
		radius := *criteria.Radius
		if math.IsNaN(radius) || math.IsInf(radius, 0) {
			return eris.Wrap(model.ErrInvalidArgument, "invalid criteria radius: radius must be a number")
		}
		if radius < 0 {
			return eris.Wrap(model.ErrInvalidArgument, "invalid criteria radius: radius must be greater than or equal to 0")
		}
	}
	return nil
}

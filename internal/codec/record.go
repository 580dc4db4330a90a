package codec

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"GeoQuery-App/internal/domain/model"
)

// EncodeRecord 位置とgeohashを保存用レコードに変換する
func EncodeRecord(location model.Location, geohash string) (model.Record, error) {
	if err := ValidateLocation(location); err != nil {
		return model.Record{}, err
	}
	if err := ValidateGeohash(geohash); err != nil {
		return model.Record{}, err
	}
	return model.Record{
		Priority: geohash,
		Geohash:  geohash,
		Location: location.Pair(),
	}, nil
}

// DecodeRecord 保存済みデータから位置を取り出す
// "l" が2要素の数値配列でない場合は ErrCorruptRecord を返す
func DecodeRecord(data map[string]interface{}) (model.Location, error) {
	if data == nil {
		return model.Location{}, eris.Wrap(model.ErrCorruptRecord, "unexpected location object encountered: <nil>")
	}
	raw, ok := data[model.LocationField]
	if !ok {
		return model.Location{}, eris.Wrapf(model.ErrCorruptRecord, "unexpected location object encountered: %v", data)
	}

	var pair []float64
	switch l := raw.(type) {
	case []float64:
		pair = l
	case [2]float64:
		pair = l[:]
	case []interface{}:
		pair = make([]float64, 0, len(l))
		for _, v := range l {
			f, ok := toFloat(v)
			if !ok {
				return model.Location{}, eris.Wrapf(model.ErrCorruptRecord, "unexpected location object encountered: %v", data)
			}
			pair = append(pair, f)
		}
	default:
		return model.Location{}, eris.Wrapf(model.ErrCorruptRecord, "unexpected location object encountered: %v", data)
	}
	if len(pair) != 2 {
		return model.Location{}, eris.Wrapf(model.ErrCorruptRecord, "unexpected location object encountered: %v", data)
	}
	return model.NewLocation(pair[0], pair[1]), nil
}

// RecordGeohash 保存済みデータから並び順フィールドの値を取り出す
func RecordGeohash(data map[string]interface{}, field string) (string, bool) {
	if data == nil {
		return "", false
	}
	g, ok := data[field].(string)
	return g, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

package model

// 保存レコードのフィールド名
const (
	PriorityField = ".priority"
	GeohashField  = "g"
	LocationField = "l"
)

// Record ストレージに保存される位置レコード
// ワイヤ形式: { ".priority": geohash, "g": geohash, "l": [lat, lon] }
type Record struct {
	Priority string     `json:".priority" firestore:".priority"`
	Geohash  string     `json:"g" firestore:"g"`
	Location [2]float64 `json:"l" firestore:"l"`
}

// Map ストレージに書き込むためのマップ表現
func (r Record) Map() map[string]interface{} {
	return map[string]interface{}{
		PriorityField: r.Priority,
		GeohashField:  r.Geohash,
		LocationField: []interface{}{r.Location[0], r.Location[1]},
	}
}

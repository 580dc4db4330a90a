package handler

import (
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/application"
	"GeoQuery-App/internal/domain/model"
	"GeoQuery-App/internal/domain/query"
)

// クエリストリームの配信待ちイベント数の上限。超えたクライアントは切断する
const streamBufferSize = 256

// LocationHandler 位置レコードとライブクエリのHTTPハンドラー
type LocationHandler struct {
	collection application.Collection
	logger     *zap.Logger
}

// NewLocationHandler LocationHandlerの新しいインスタンスを作成
func NewLocationHandler(collection application.Collection, logger *zap.Logger) *LocationHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &LocationHandler{
		collection: collection,
		logger:     logger.Named("http"),
	}
}

// Setup ルーティングを登録する
func (h *LocationHandler) Setup(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "GeoQuery-App"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/distance", h.GetDistance)
	engine.GET("/query", h.StreamQuery)

	locations := engine.Group("/locations")
	{
		locations.POST("", h.PostLocations)
		locations.GET("/:key", h.GetLocation)
		locations.PUT("/:key", h.PutLocation)
		locations.DELETE("/:key", h.DeleteLocation)
	}
}

// locationResponse 単一キーのレスポンス
type locationResponse struct {
	Key      string         `json:"key"`
	Location model.Location `json:"location"`
}

// GetLocation GET /locations/:key - キーの位置を取得
func (h *LocationHandler) GetLocation(c *gin.Context) {
	key := c.Param("key")
	location, err := h.collection.Get(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, locationResponse{Key: key, Location: location})
}

// PutLocation PUT /locations/:key - キーの位置を保存
func (h *LocationHandler) PutLocation(c *gin.Context) {
	var location model.Location
	if err := c.ShouldBindJSON(&location); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON format: " + err.Error(),
		})
		return
	}

	key := c.Param("key")
	if err := h.collection.Set(c.Request.Context(), key, &location); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, locationResponse{Key: key, Location: location})
}

// DeleteLocation DELETE /locations/:key - キーを削除
func (h *LocationHandler) DeleteLocation(c *gin.Context) {
	if err := h.collection.Remove(c.Request.Context(), c.Param("key")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PostLocations POST /locations - 単一キー形式またはマッピング形式でまとめて書き込む
// キーを省略して位置だけを渡した場合はキーを生成して返す
func (h *LocationHandler) PostLocations(c *gin.Context) {
	var req model.SetLocationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON format: " + err.Error(),
		})
		return
	}

	generated := req.Key == "" && req.Location != nil && req.Locations == nil
	if generated {
		req.Key = uuid.New().String()
	}
	if err := h.collection.Write(c.Request.Context(), req); err != nil {
		h.writeError(c, err)
		return
	}

	if req.Locations != nil {
		c.JSON(http.StatusOK, gin.H{"written": len(req.Locations)})
		return
	}
	status := http.StatusOK
	if generated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"key": req.Key})
}

// GetDistance GET /distance - 2地点間の距離（km）
func (h *LocationHandler) GetDistance(c *gin.Context) {
	from, err := locationParam(c, "from_lat", "from_lon")
	if err != nil {
		h.writeError(c, err)
		return
	}
	to, err := locationParam(c, "to_lat", "to_lon")
	if err != nil {
		h.writeError(c, err)
		return
	}
	distance, err := application.Distance(from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distance_km": distance})
}

// StreamQuery GET /query?lat=&lon=&radius= - クエリのイベントをServer-Sent Eventsで配信
// クライアントが切断するとクエリもキャンセルされる
func (h *LocationHandler) StreamQuery(c *gin.Context) {
	center, err := locationParam(c, "lat", "lon")
	if err != nil {
		h.writeError(c, err)
		return
	}
	radius, err := floatParam(c, "radius")
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	q, err := h.collection.Query(model.NewQueryCriteria(center, radius), query.WithContext(ctx))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer q.Cancel()

	events := make(chan query.Event, streamBufferSize)
	stop := make(chan struct{})
	var stopOnce sync.Once
	var overflowed atomic.Bool
	push := func(ev query.Event) {
		select {
		case events <- ev:
		default:
			overflowed.Store(true)
			stopOnce.Do(func() { close(stop) })
		}
	}
	for _, typ := range []query.EventType{query.EventReady, query.EventKeyEntered, query.EventKeyExited, query.EventKeyMoved} {
		if _, err := q.On(typ, push); err != nil {
			h.writeError(c, err)
			return
		}
	}

	h.logger.Info("📡 Query stream opened",
		zap.String("query_id", q.ID()),
		zap.Stringer("center", center),
		zap.Float64("radius_km", radius))

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	})

	if overflowed.Load() {
		h.logger.Warn("⚠️ Query stream closed: client is not keeping up", zap.String("query_id", q.ID()))
		return
	}
	h.logger.Info("🔌 Query stream closed", zap.String("query_id", q.ID()))
}

func locationParam(c *gin.Context, latName, lonName string) (model.Location, error) {
	lat, err := floatParam(c, latName)
	if err != nil {
		return model.Location{}, err
	}
	lon, err := floatParam(c, lonName)
	if err != nil {
		return model.Location{}, err
	}
	return model.NewLocation(lat, lon), nil
}

func floatParam(c *gin.Context, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, eris.Wrapf(model.ErrInvalidArgument, "%s parameter is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, eris.Wrapf(model.ErrInvalidArgument, "invalid %s value %q", name, raw)
	}
	return v, nil
}

// writeError エラーの種類に応じたステータスで応答する
func (h *LocationHandler) writeError(c *gin.Context, err error) {
	switch {
	case eris.Is(err, model.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
	case eris.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case eris.Is(err, model.ErrCorruptRecord):
		h.logger.Error("❌ Corrupt record", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "corrupt_record", "message": err.Error()})
	default:
		h.logger.Error("❌ Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

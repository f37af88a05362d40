package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
	"github.com/zhouzirui/birddrop/backend/pkg/utils"
)

// DefaultStreamInterval 是统计流的推送间隔。
const DefaultStreamInterval = 5 * time.Second

// StatsProvider 提供中继运行状态。
type StatsProvider interface {
	Stats() relay.Stats
}

// Response 是 /health 的响应体。
type Response struct {
	Status   string  `json:"status"`
	Sessions int     `json:"sessions"`
	GeoPool  int     `json:"geoPool"`
	Uptime   float64 `json:"uptime"`
}

// Handler 健康检查与统计流的HTTP处理器
type Handler struct {
	stats    StatsProvider
	log      *logrus.Logger
	interval time.Duration
}

// New 创建健康检查处理器，interval 非正数时使用默认值
func New(stats StatsProvider, logger *logrus.Logger, interval time.Duration) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &Handler{stats: stats, log: logger, interval: interval}
}

// RegisterRoutes 注册健康检查相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/api/stats/stream", h.handleStatsStream)
}

func (h *Handler) snapshot() Response {
	stats := h.stats.Stats()
	return Response{
		Status:   "healthy",
		Sessions: stats.Sessions,
		GeoPool:  stats.GeoPool,
		Uptime:   stats.Uptime,
	}
}

// handleHealth 返回会话数、地理池大小与运行时长
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.snapshot())
}

// handleStatsStream 以 SSE 定期推送统计，直到客户端断开
func (h *Handler) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	logger := h.log.WithField("remote", r.RemoteAddr)
	logger.Debug("opening stats stream")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := utils.SendSSEEvent(w, flusher, "stats", h.snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("closing stats stream")
			return
		case <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "stats", h.snapshot()); err != nil {
				logger.WithError(err).Debug("stats stream write failed")
				return
			}
		}
	}
}

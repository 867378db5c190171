package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"failmon/internal/config"
	"failmon/internal/metrics"
	"failmon/internal/models"
	"failmon/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
)

type APIHandler struct {
	cfg           *config.Config
	ingest        IngestProvider
	blocks        BlockProvider
	query         QueryProvider
	geo           GeoProvider
	hub           *Hub
	startTime     time.Time
	mainLimiter   gin.HandlerFunc
	ingestLimiter gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, ingest IngestProvider, blocks BlockProvider, query QueryProvider, geo GeoProvider, hub *Hub) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		ingest:    ingest,
		blocks:    blocks,
		query:     query,
		geo:       geo,
		hub:       hub,
		startTime: time.Now(),
	}
}

// SetLimiters installs the rate-limit middlewares; nil limiters are
// replaced with pass-throughs so tests can skip Redis.
func (h *APIHandler) SetLimiters(main, ingest gin.HandlerFunc) {
	pass := func(c *gin.Context) { c.Next() }
	if main == nil {
		main = pass
	}
	if ingest == nil {
		ingest = pass
	}
	h.mainLimiter = main
	h.ingestLimiter = ingest
}

func (h *APIHandler) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	if h.mainLimiter == nil {
		h.SetLimiters(nil, nil)
	}
	r.Use(h.PrometheusMiddleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group(h.cfg.BasePath)
	{
		v1.POST("/events", h.ingestLimiter, h.ReceiveEvents)
		v1.GET("/feed", h.Feed)
		v1.GET("/health", h.Health)

		v1.GET("/suspicious-ips", h.mainLimiter, h.SuspiciousIPs)
		v1.GET("/statistics", h.mainLimiter, h.Statistics)
		v1.GET("/statistics/global", h.mainLimiter, h.GlobalStatistics)
		v1.GET("/blocked-ips", h.mainLimiter, h.BlockedIPs)
		v1.GET("/geo-attacks", h.mainLimiter, h.GeoAttacks)

		v1.POST("/block", h.mainLimiter, h.BlockIP)
		v1.POST("/block/per-vm", h.mainLimiter, h.BlockIPPerHost)
		v1.DELETE("/block/:ip", h.mainLimiter, h.UnblockIP)

		v1.POST("/vms", h.mainLimiter, h.RegisterHost)
		v1.GET("/vms", h.mainLimiter, h.ListHosts)
		v1.DELETE("/vms/:id", h.mainLimiter, h.DeregisterHost)
		v1.GET("/vms/:id/attacks", h.mainLimiter, h.HostAttacks)
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func validIP(ip string) bool {
	_, err := netip.ParseAddr(ip)
	return err == nil
}

func (h *APIHandler) ReceiveEvents(c *gin.Context) {
	var batch models.IngestBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	accepted, err := h.ingest.IngestBatch(c.Request.Context(), batch)
	if err != nil {
		zlog.Error().Err(err).Str("host_id", batch.HostID).Msg("ingest failed")
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events_received": len(batch.Events), "accepted": accepted})
}

func (h *APIHandler) SuspiciousIPs(c *gin.Context) {
	threshold := 5
	if raw := c.Query("threshold"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			fail(c, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = v
	}
	ips, err := h.query.GetSuspicious(c.Request.Context(), threshold)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": ips, "count": len(ips)})
}

func (h *APIHandler) BlockedIPs(c *gin.Context) {
	blocked, err := h.query.GetBlocked(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": blocked, "count": len(blocked)})
}

type manualBlockRequest struct {
	IPAddress       string `json:"ip_address" binding:"required"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

type perHostBlockRequest struct {
	IPAddress       string `json:"ip_address" binding:"required"`
	HostID          string `json:"vm_id" binding:"required"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func blockDuration(minutes int) time.Duration {
	if minutes <= 0 {
		minutes = 120
	}
	return time.Duration(minutes) * time.Minute
}

func (h *APIHandler) BlockIP(c *gin.Context) {
	var req manualBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !validIP(req.IPAddress) {
		fail(c, http.StatusBadRequest, "invalid ip address")
		return
	}
	duration := blockDuration(req.DurationMinutes)
	if _, err := h.blocks.CreateBlock(c.Request.Context(), req.IPAddress, models.ScopeGlobal, nil, req.Reason, duration, models.BlockedByManual); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("IP %s blocked for %d minutes", req.IPAddress, int(duration.Minutes())),
	})
}

func (h *APIHandler) BlockIPPerHost(c *gin.Context) {
	var req perHostBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !validIP(req.IPAddress) {
		fail(c, http.StatusBadRequest, "invalid ip address")
		return
	}
	duration := blockDuration(req.DurationMinutes)
	if _, err := h.blocks.CreateBlock(c.Request.Context(), req.IPAddress, models.ScopePerHost, &req.HostID, req.Reason, duration, models.BlockedByManual); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("IP %s blocked on VM %s for %d minutes", req.IPAddress, req.HostID, int(duration.Minutes())),
	})
}

func (h *APIHandler) UnblockIP(c *gin.Context) {
	ip := c.Param("ip")
	if !validIP(ip) {
		fail(c, http.StatusBadRequest, "invalid ip address")
		return
	}
	err := h.blocks.Unblock(c.Request.Context(), ip, models.BlockedByManual)
	if errors.Is(err, service.ErrNoActiveBlock) {
		fail(c, http.StatusNotFound, "no active block for "+ip)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("IP %s unblocked", ip)})
}

func (h *APIHandler) Statistics(c *gin.Context) {
	stats, err := h.query.GetStatistics(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (h *APIHandler) GlobalStatistics(c *gin.Context) {
	stats, err := h.query.GetGlobalStatistics(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (h *APIHandler) GeoAttacks(c *gin.Context) {
	attacks, err := h.geo.TopAttacks(c.Request.Context(), 10)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": attacks})
}

type registerHostRequest struct {
	HostID           string `json:"vm_id" binding:"required"`
	HostName         string `json:"hostname"`
	IPAddress        string `json:"ip_address"`
	CollectionMethod string `json:"collection_method"`
}

func (h *APIHandler) RegisterHost(c *gin.Context) {
	var req registerHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.IPAddress != "" && !validIP(req.IPAddress) {
		fail(c, http.StatusBadRequest, "invalid ip address")
		return
	}
	if req.CollectionMethod == "" {
		req.CollectionMethod = "agent"
	}
	host := models.Host{
		HostID:           req.HostID,
		HostName:         req.HostName,
		HostIP:           req.IPAddress,
		CollectionMethod: req.CollectionMethod,
	}
	if err := h.query.UpsertHost(c.Request.Context(), host); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("VM %s registered successfully", req.HostID)})
}

func (h *APIHandler) ListHosts(c *gin.Context) {
	hosts, err := h.query.ListHosts(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": hosts, "count": len(hosts)})
}

func (h *APIHandler) DeregisterHost(c *gin.Context) {
	hostID := c.Param("id")
	found, err := h.query.DeactivateHost(c.Request.Context(), hostID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "unknown host "+hostID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("VM %s unregistered", hostID)})
}

func (h *APIHandler) HostAttacks(c *gin.Context) {
	hostID := c.Param("id")
	host, err := h.query.GetHost(c.Request.Context(), hostID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if host == nil {
		fail(c, http.StatusNotFound, "unknown host "+hostID)
		return
	}
	stats, err := h.query.GetHostAttacks(c.Request.Context(), hostID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (h *APIHandler) Health(c *gin.Context) {
	health := gin.H{
		"success":        true,
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"active_vms":     int64(0),
		"db_connected":   false,
	}
	ctx := c.Request.Context()
	if err := h.query.Ping(ctx); err != nil {
		health["status"] = "unhealthy"
		c.JSON(http.StatusOK, health)
		return
	}
	health["db_connected"] = true
	if count, err := h.query.CountActiveHosts(ctx); err == nil {
		health["active_vms"] = count
	}
	c.JSON(http.StatusOK, health)
}

// Feed streams admitted events as server-sent events. Subscribers get
// only events published after they attach; a subscriber that stops
// reading is disconnected by the hub.
func (h *APIHandler) Feed(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fail(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, open := <-sub:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "event: new_attack\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(c.Writer, "event: ping\ndata: keep-alive\n\n")
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

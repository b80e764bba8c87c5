package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"coursegrab/internal/domain"
	"coursegrab/internal/ledger"
	"coursegrab/internal/pathplan"
	"coursegrab/internal/service"
	"coursegrab/internal/session"
	"coursegrab/internal/storage"
	"coursegrab/internal/websocket"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	sessions    session.Controller
	history     service.HistoryService
	users       service.UserService
	storage     storage.Service
	hub         *websocket.Hub
	auth        AuthConfig
	bucket      string
	archiveName string
	log         *logrus.Entry
}

func NewHandler(sessions session.Controller, history service.HistoryService, users service.UserService, store storage.Service, hub *websocket.Hub, auth AuthConfig, bucket, archiveName string, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	if archiveName == "" {
		archiveName = "download-archive.txt"
	}
	return &Handler{
		sessions:    sessions,
		history:     history,
		users:       users,
		storage:     store,
		hub:         hub,
		auth:        auth,
		bucket:      bucket,
		archiveName: archiveName,
		log:         logger.WithField("component", "http"),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusAccepted, gin.H{"ok": "ok"})
		})

		protected := api.Group("")
		protected.Use(h.authRequired())
		{
			protected.GET("/auth/me", h.currentUser)
			protected.PUT("/auth/prefs", h.updatePrefs)
			protected.POST("/sessions", h.startSession)
			protected.GET("/sessions", h.listSessions)
			protected.GET("/sessions/:id", h.getSession)
			protected.DELETE("/sessions/:id", h.deleteSession)
			protected.GET("/session", h.currentSession)
			protected.POST("/session/cancel", h.cancelSession)
			protected.GET("/ledger", h.listLedger)
			protected.DELETE("/ledger", h.clearLedger)
			protected.GET("/storage/objects", h.listObjects)
			protected.GET("/storage/url", h.getObjectURL)
			protected.GET("/ws", h.serveWS)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type startSessionRequest struct {
	URL          string `json:"url" binding:"required"`
	Site         string `json:"site"`
	Destination  string `json:"destination"`
	CookieFile   string `json:"cookie_file"`
	SubtitleLang string `json:"subtitle_lang"`
	Mode         string `json:"mode"`
}

func (h *Handler) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Account preferences fill in whatever the request leaves blank.
	if user, ok := h.requestUser(c); ok {
		if req.Destination == "" {
			req.Destination = user.Prefs.DefaultDestination
		}
		if req.SubtitleLang == "" {
			req.SubtitleLang = user.Prefs.SubtitleLang
		}
		if req.Mode == "" {
			req.Mode = string(user.Prefs.PreferredMode)
		}
	}

	id, err := h.sessions.Start(c.Request.Context(), domain.DownloadRequest{
		URL:             req.URL,
		Site:            domain.SiteType(req.Site),
		DestinationRoot: req.Destination,
		CookieFile:      req.CookieFile,
		SubtitleLang:    req.SubtitleLang,
		Mode:            domain.RunMode(req.Mode),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case domain.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"session_id": id})
}

func (h *Handler) cancelSession(c *gin.Context) {
	h.sessions.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

func (h *Handler) currentSession(c *gin.Context) {
	snap := h.sessions.Snapshot()
	c.JSON(http.StatusOK, snapshotToResponse(snap))
}

func (h *Handler) listSessions(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history is not configured"})
		return
	}

	sessions, err := h.history.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]SessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = sessionToResponse(sessions[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSession(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history is not configured"})
		return
	}

	sess, err := h.history.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(*sess))
}

func (h *Handler) deleteSession(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history is not configured"})
		return
	}

	id := c.Param("id")
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	sess, err := h.history.GetSession(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var warnings []string
	if deleteRemote {
		if h.storage == nil || h.bucket == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		if sess.MirrorLocation != "" {
			prefix, err := extractS3Prefix(sess.MirrorLocation, h.bucket)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := h.storage.DeletePrefix(c.Request.Context(), h.bucket, prefix); err != nil {
				warnings = append(warnings, "delete mirror: "+err.Error())
			}
		}
	}

	if err := h.history.DeleteSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listLedger(c *gin.Context) {
	dir := strings.TrimSpace(c.Query("dir"))
	if dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dir query parameter is required"})
		return
	}

	entries, err := ledger.Read(pathplan.ArchivePath(dir, h.archiveName))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) clearLedger(c *gin.Context) {
	dir := strings.TrimSpace(c.Query("dir"))
	if dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dir query parameter is required"})
		return
	}

	if err := ledger.Clear(pathplan.ArchivePath(dir, h.archiveName)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getObjectURL(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key query parameter is required"})
		return
	}

	expires := 15 * time.Minute
	if raw := c.Query("expires"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag expires"})
			return
		}
		expires = time.Duration(secs) * time.Second
	}

	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, expires)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

func (h *Handler) serveWS(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket hub not configured"})
		return
	}
	h.hub.ServeWS(c.Writer, c.Request)
}

type SessionResponse struct {
	ID             string               `json:"id"`
	URL            string               `json:"url"`
	Site           domain.SiteType      `json:"site"`
	Destination    string               `json:"destination"`
	Mode           domain.RunMode       `json:"mode"`
	Status         domain.SessionStatus `json:"status"`
	CourseTitle    string               `json:"course_title"`
	TotalItems     int                  `json:"total_items"`
	CompletedCount int                  `json:"completed_count"`
	SkippedCount   int                  `json:"skipped_count"`
	FailedCount    int                  `json:"failed_count"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	MirrorLocation string               `json:"mirror_location,omitempty"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at"`
	FinishedAt     *string              `json:"finished_at,omitempty"`
	Items          []QueueItemResponse  `json:"items"`
}

type QueueItemResponse struct {
	Ordinal   int               `json:"ordinal"`
	TargetURL string            `json:"target_url"`
	Title     string            `json:"title"`
	Status    domain.ItemStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

type SnapshotResponse struct {
	SessionResponse
	CurrentIndex   int     `json:"current_index"`
	OverallPercent float64 `json:"overall_percent"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func sessionToResponse(sess domain.Session) SessionResponse {
	resp := SessionResponse{
		ID:             sess.ID,
		URL:            sess.URL,
		Site:           sess.Site,
		Destination:    sess.Destination,
		Mode:           sess.Mode,
		Status:         sess.Status,
		CourseTitle:    sess.CourseTitle,
		TotalItems:     sess.TotalItems,
		CompletedCount: sess.CompletedCount,
		SkippedCount:   sess.SkippedCount,
		FailedCount:    sess.FailedCount,
		ErrorMessage:   sess.ErrorMessage,
		MirrorLocation: sess.MirrorLocation,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      sess.UpdatedAt.Format(time.RFC3339),
		Items:          make([]QueueItemResponse, len(sess.Items)),
	}
	if sess.FinishedAt != nil {
		v := sess.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}

	for i := range sess.Items {
		resp.Items[i] = QueueItemResponse{
			Ordinal:   sess.Items[i].Ordinal,
			TargetURL: sess.Items[i].TargetURL,
			Title:     sess.Items[i].Title,
			Status:    sess.Items[i].Status,
			Error:     sess.Items[i].Error,
		}
	}
	return resp
}

func snapshotToResponse(snap domain.SessionSnapshot) SnapshotResponse {
	return SnapshotResponse{
		SessionResponse: sessionToResponse(snap.Session),
		CurrentIndex:    snap.CurrentIndex,
		OverallPercent:  snap.OverallPercent,
	}
}

// ProgressPayload shapes an aggregated progress event for the websocket
// wire.
type ProgressPayload struct {
	SessionID      string               `json:"session_id"`
	Status         domain.SessionStatus `json:"status"`
	ItemIndex      int                  `json:"item_index"`
	ItemTotal      int                  `json:"item_total"`
	OverallPercent float64              `json:"overall_percent"`
	CompletedCount int                  `json:"completed_count"`
	SkippedCount   int                  `json:"skipped_count"`
	FailedCount    int                  `json:"failed_count"`
	Message        string               `json:"message,omitempty"`
	Item           *ItemEventPayload    `json:"item,omitempty"`
}

type ItemEventPayload struct {
	Kind        domain.EventKind `json:"kind"`
	Percent     *float64         `json:"percent,omitempty"`
	Speed       string           `json:"speed,omitempty"`
	ETASeconds  *int64           `json:"eta_seconds,omitempty"`
	TotalSize   string           `json:"total_size,omitempty"`
	ItemIndex   int              `json:"item_index"`
	ItemTotal   int              `json:"item_total"`
	Title       string           `json:"title,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// ProgressPayloadFrom converts the domain event for broadcasting.
func ProgressPayloadFrom(ev domain.OverallProgressEvent) ProgressPayload {
	payload := ProgressPayload{
		SessionID:      ev.SessionID,
		Status:         ev.Status,
		ItemIndex:      ev.ItemIndex,
		ItemTotal:      ev.ItemTotal,
		OverallPercent: ev.OverallPercent,
		CompletedCount: ev.CompletedCount,
		SkippedCount:   ev.SkippedCount,
		FailedCount:    ev.FailedCount,
		Message:        ev.Message,
	}
	if ev.Item != nil {
		item := &ItemEventPayload{
			Kind:        ev.Item.Kind,
			Percent:     ev.Item.Percent,
			Speed:       ev.Item.Speed,
			TotalSize:   ev.Item.TotalSize,
			ItemIndex:   ev.Item.ItemIndex,
			ItemTotal:   ev.Item.ItemTotal,
			Title:       ev.Item.Title,
			Destination: ev.Item.Destination,
			Message:     ev.Item.Message,
		}
		if ev.Item.ETA != nil {
			secs := int64(ev.Item.ETA.Seconds())
			item.ETASeconds = &secs
		}
		payload.Item = item
	}
	return payload
}

func extractS3Prefix(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", errors.New("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", errors.New("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", errors.New("s3 bucket mismatch")
	}
	if len(parts) == 1 {
		return "", errors.New("s3 prefix missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}

package relay

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// API is the local HTTP surface: capture injection for sources that deliver
// over localhost, history inspection for the presentation layer, and the
// one-shot device connect flow. It sits outside the delivery core's
// correctness; everything it does goes through the same component contracts.
type API struct {
	store    *Store
	ingestor *Ingestor
	client   *ApiClient
	settings SettingsStore
	log      *zap.SugaredLogger
}

func NewAPI(store *Store, ingestor *Ingestor, client *ApiClient, settings SettingsStore, log *zap.SugaredLogger) *API {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &API{store: store, ingestor: ingestor, client: client, settings: settings, log: log}
}

func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/ingest", a.handleIngest)
	r.GET("/history", a.handleHistory)
	r.GET("/history/latest", a.handleLatest)
	r.GET("/status", a.handleStatus)
	r.POST("/connect", a.handleConnect)
	return r
}

type ingestRequest struct {
	Sender    string `json:"sender" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type" binding:"required"`
}

// handleIngest accepts a captured raw event and dispatches the ingest path
// onto a background goroutine, so the capturing caller is never blocked on
// storage or network.
func (a *API) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	kind, ok := KindFromWire(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "type must be \"sms\" or \"push\""})
		return
	}
	ts := req.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	go func() {
		if err := a.ingestor.Ingest(context.Background(), req.Sender, req.Message, ts, kind); err != nil {
			a.log.Errorw("ingest failed", "sender", req.Sender, "kind", kind, "error", err)
		}
	}()
	c.Status(http.StatusAccepted)
}

func (a *API) handleHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := intQuery(c, "offset", 0)
	events, err := a.store.HistoryPage(c.Query("q"), limit, offset)
	if err != nil {
		a.log.Errorw("history page failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (a *API) handleLatest(c *gin.Context) {
	n := intQuery(c, "n", 20)
	if n > 500 {
		n = 500
	}
	events, err := a.store.LatestHistory(n)
	if err != nil {
		a.log.Errorw("latest history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (a *API) handleStatus(c *gin.Context) {
	total, err := a.store.CountHistory()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage error"})
		return
	}
	pending, dead, err := a.store.CountPending()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "storage error"})
		return
	}
	cs, err := a.settings.Settings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "settings error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history_count":     total,
		"pending_count":     pending,
		"dead_count":        dead,
		"connected":         cs.Connected,
		"has_token":         strings.TrimSpace(cs.AccessToken) != "",
		"last_heartbeat_at": cs.LastHeartbeatAt,
	})
}

type connectRequest struct {
	Token  string           `json:"token" binding:"required"`
	Device DeviceDescriptor `json:"device"`
}

// handleConnect registers the device with the backend and, on success,
// persists the token and the connected flag. The backend's rejection reason
// is returned as-is; this is the only failure path a user ever sees.
func (a *API) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	out := a.client.Connect(c.Request.Context(), req.Token, req.Device)
	switch out.Status {
	case StatusDelivered:
		cs, err := a.settings.Settings(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "settings error"})
			return
		}
		cs.AccessToken = req.Token
		cs.Connected = true
		if err := a.settings.Save(c.Request.Context(), cs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "settings error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true})
	case StatusRejected:
		c.JSON(http.StatusBadGateway, gin.H{"message": out.Reason})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": out.Err.Error()})
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

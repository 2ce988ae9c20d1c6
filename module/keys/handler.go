package keys

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatrelay/logger"
	"chatrelay/module/keys/model"
	"chatrelay/module/keys/service"
	"chatrelay/tools/errs"
)

// HTTP surface of the Key Bundle Registry. Decoupled from the websocket
// lifecycle: any authenticated party may publish or fetch key material.

type Handler struct {
	reg *service.Registry
}

func NewHandler(reg *service.Registry) *Handler { return &Handler{reg: reg} }

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/keys")
	g.POST("/identity/register", h.RegisterIdentity)
	g.POST("/upload", h.UploadKeys)
	g.GET("/fetch/:userId", h.FetchKeyBundle)
	g.GET("/count/:deviceId", h.CountPreKeys)
}

type registerIdentityReq struct {
	DeviceID string `json:"deviceId"`
	Key      string `json:"key"`
}

func (h *Handler) RegisterIdentity(c *gin.Context) {
	var req registerIdentityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	rec, err := h.reg.RegisterIdentity(c.Request.Context(), req.DeviceID, req.Key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) UploadKeys(c *gin.Context) {
	var req service.UploadKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed body"})
		return
	}
	if err := h.reg.UploadKeys(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, "success")
}

func (h *Handler) FetchKeyBundle(c *gin.Context) {
	userID := c.Param("userId")
	bundle, err := h.reg.FetchKeyBundle(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (h *Handler) CountPreKeys(c *gin.Context) {
	deviceID := c.Param("deviceId")
	signed, err := h.reg.CountAvailable(c.Request.Context(), deviceID, model.PreKeySigned)
	if err != nil {
		writeError(c, err)
		return
	}
	oneTime, err := h.reg.CountAvailable(c.Request.Context(), deviceID, model.PreKeyOneTime)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signed": signed, "oneTime": oneTime})
}

func writeError(c *gin.Context, err error) {
	ce := errs.Unpack(err)
	if ce == nil {
		logger.Errorf("[keys] internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errs.ErrArgs.Is(err):
		status = http.StatusBadRequest
	case errs.ErrDeviceNotFound.Is(err),
		errs.ErrIdentityNotFound.Is(err),
		errs.ErrUserNotFound.Is(err):
		status = http.StatusNotFound
	case errs.ErrStorage.Is(err):
		logger.Errorf("[keys] storage error: %v", err)
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": ce.Msg, "code": ce.Code})
}

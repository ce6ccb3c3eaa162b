package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

const maxBodyBytes = 32 << 20

// RestHandler serves POST /api/<ACTION>. The body is the action payload;
// the response is always a protocol frame.
type RestHandler struct {
	handler FrameHandler
	auth    Authenticator
	log     logging.Logger
}

func NewRestHandler(handler FrameHandler, auth Authenticator, log logging.Logger) *RestHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &RestHandler{handler: handler, auth: auth, log: log.With("module", "rest")}
}

func (h *RestHandler) Action(c *gin.Context) {
	req := &protocol.Frame{
		ID:     c.GetHeader("X-Request-Id"),
		Action: protocol.Action(c.Param("action")),
		Status: protocol.StatusRequest,
	}

	caller, err := h.auth.Authenticate(c.GetHeader(common.AccessTokenHeaderName), c.GetHeader(common.DeviceHeaderName))
	if err != nil {
		c.JSON(http.StatusUnauthorized, protocol.NewErrorFrame(req, err))
		return
	}

	if !req.Action.Valid() {
		c.JSON(http.StatusNotFound, protocol.NewErrorFrame(req, fmt.Errorf("%w: %q", common.ErrUnknownAction, req.Action)))
		return
	}
	if req.Action.NeedsSession() {
		c.JSON(http.StatusBadRequest, protocol.NewErrorFrame(req,
			fmt.Errorf("%w: %s needs the socket channel", common.ErrInvalidEnvelope, req.Action)))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, protocol.NewErrorFrame(req, fmt.Errorf("%w: body too large", common.ErrInvalidEnvelope)))
			return
		}
		c.JSON(http.StatusBadRequest, protocol.NewErrorFrame(req, fmt.Errorf("%w: %v", common.ErrInvalidEnvelope, err)))
		return
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, protocol.NewErrorFrame(req, fmt.Errorf("%w: body is not JSON", common.ErrInvalidEnvelope)))
			return
		}
		req.Payload = body
	}

	c.JSON(http.StatusOK, h.handler.Handle(c.Request.Context(), caller, req))
}

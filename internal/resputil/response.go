package resputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/pkg/apperr"
)

type Response[T any] struct {
	Code ErrorCode `json:"code"`
	Data T         `json:"data"`
	Msg  string    `json:"msg"`
}

func wrapResponse(c *gin.Context, httpCode int, msg string, data any, code ErrorCode) {
	c.JSON(httpCode, Response[any]{
		Code: code,
		Data: data,
		Msg:  msg,
	})
}

func Success(c *gin.Context, data any) {
	wrapResponse(c, http.StatusOK, "", data, OK)
}

// Error answers with http 500 and the given business code.
func Error(c *gin.Context, msg string, errorCode ErrorCode) {
	wrapResponse(c, http.StatusInternalServerError, msg, nil, errorCode)
}

func HTTPError(c *gin.Context, httpCode int, msg string, errorCode ErrorCode) {
	wrapResponse(c, httpCode, msg, nil, errorCode)
}

func BadRequestError(c *gin.Context, msg string) {
	wrapResponse(c, http.StatusBadRequest, msg, nil, InvalidRequest)
}

// FromError maps the apperr taxonomy onto http status and business code. Anything else is logged and
// reported as a service error.
func FromError(c *gin.Context, err error) {
	switch {
	case apperr.IsValidation(err):
		BadRequestError(c, err.Error())
	case apperr.IsNotFound(err):
		HTTPError(c, http.StatusNotFound, err.Error(), NotFound)
	case apperr.IsAuthentication(err):
		HTTPError(c, http.StatusUnauthorized, err.Error(), TokenInvalid)
	case apperr.IsAuthorization(err):
		HTTPError(c, http.StatusForbidden, err.Error(), UserNotAllowed)
	default:
		klog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		Error(c, err.Error(), ServiceError)
	}
}

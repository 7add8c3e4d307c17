package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/middleware"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
)

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 分页列表
type ListResponse struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

func respondCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

func respondList(c *gin.Context, items interface{}, p *repository.Pagination) {
	respondOK(c, ListResponse{Items: items, Total: p.Total, Page: p.Page, PageSize: p.PageSize})
}

// respondError 按错误码映射HTTP状态，5xx记录错误日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("code", int(appErr.Code)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, apperrors.NewErrorResponse(appErr, middleware.RequestID(c)))
}

// bindError 请求体校验失败
func bindError(c *gin.Context, err error) {
	appErr := apperrors.New(apperrors.ErrInvalidParam, err.Error())
	c.AbortWithStatusJSON(http.StatusBadRequest, apperrors.NewErrorResponse(appErr, middleware.RequestID(c)))
}

// currentUser 认证中间件之后调用
func currentUser(c *gin.Context) uint {
	id, _ := middleware.GetUserID(c)
	return id
}

func pathID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalidParam, "无效的%s: %s", name, c.Param(name))
	}
	return uint(id), nil
}

func pagination(c *gin.Context) *repository.Pagination {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return repository.NewPagination(page, size)
}

package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构，前端只看 success 判断结果
type Response struct {
	Success bool        `json:"success"`        // 是否成功
	Message string      `json:"message"`        // 提示信息
	Data    interface{} `json:"data,omitempty"` // 数据载荷
}

func respond(c *gin.Context, status int, success bool, msg string, data interface{}) {
	c.JSON(status, Response{Success: success, Message: msg, Data: data})
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, true, "ok", data)
}

// SuccessWithMsg 成功响应（自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	respond(c, http.StatusOK, true, msg, data)
}

// Created 创建成功响应（201）
func Created(c *gin.Context, msg string, data interface{}) {
	respond(c, http.StatusCreated, true, msg, data)
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// NotFound 资源不存在（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// Error 错误响应，其余状态码由 HandleError 根据错误类型决定
func Error(c *gin.Context, status int, msg string) {
	respond(c, status, false, msg, nil)
}

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// 上下文键
const (
	ContextCustomerId = "customerId" // 当前客户ID
	ContextOperatorId = "operatorId" // 当前管理员ID
)

// 请求头
const (
	HeaderCustomerId = "X-Customer-Id"
	HeaderOperatorId = "X-Operator-Id"
)

// CustomerMiddleware 客户身份中间件
// 登录态由上游网关维护，这里只解析网关透传的客户ID并存入上下文
func CustomerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderCustomerId)
		customerId, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || customerId <= 0 {
			slog.Warn("Missing or invalid customer id",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"customer_id", raw,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    -1,
				"error":   "missing or invalid " + HeaderCustomerId,
				"message": "Authentication required",
			})
			return
		}

		c.Set(ContextCustomerId, customerId)
		c.Next()
	}
}

// AdminMiddleware 管理员权限验证中间件
// 简易版管理员验证，通过查询参数检查是否为管理员操作
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 检查请求参数中是否包含admin=1（当前为简易实现，未做数据库校验）
		if c.Query("admin") != "1" {
			slog.Warn("Admin permission required but not provided",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    -1,
				"error":   "admin permission required",
				"message": "Please add admin=1 parameter for admin operations",
			})
			return
		}

		// 操作人只用于操作日志，缺省记为0
		operatorId, _ := strconv.ParseInt(c.GetHeader(HeaderOperatorId), 10, 64)
		c.Set(ContextOperatorId, operatorId)

		slog.Info("Admin access granted",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"operator_id", operatorId,
			"client_ip", c.ClientIP(),
		)
		c.Next()
	}
}

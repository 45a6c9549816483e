package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"groupon_system/handler"
	"groupon_system/model"
	"groupon_system/notification"
	"groupon_system/service"
	"groupon_system/web/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GrouponService 控制器依赖的拼团服务，由service.GrouponService实现
type GrouponService interface {
	CreateGroupon(ctx context.Context, operatorId int64, req service.GrouponRequest) (model.Groupon, error)
	UpdateGroupon(ctx context.Context, operatorId, grouponId int64, req service.GrouponRequest) (model.Groupon, error)
	TurnOffGroupon(ctx context.Context, operatorId, grouponId int64) error
	OpenAttend(ctx context.Context, grouponId, customerId int64, quantity int32) (service.AttendResult, error)
	JoinAttend(ctx context.Context, attendId, customerId int64, quantity int32) (service.AttendResult, error)
	HandleOrderPaid(ctx context.Context, orderId int64, payType model.PayType) (service.PaymentResult, error)
	ForceSettle(ctx context.Context, attendId int64) (handler.SettleResult, error)
	GetPromotionEvent(ctx context.Context, shopId, productId int64) (model.PromotionEvent, bool, error)
	SetSettlementEnabled(ctx context.Context, enabled bool) error
	SetShopNotifyEnabled(ctx context.Context, shopId int64, kind notification.Kind, enabled bool) error
}

// GrouponController 处理拼团相关请求的控制器
type GrouponController struct {
	GrouponService GrouponService // 拼团服务实例
}

// NewGrouponController 创建GrouponController实例
func NewGrouponController(s GrouponService) *GrouponController {
	return &GrouponController{GrouponService: s}
}

// attendRequest 开团和参团请求体
type attendRequest struct {
	Quantity int32 `json:"quantity"`
}

// paymentCallback 支付回调请求体
type paymentCallback struct {
	OrderId int64         `json:"order_id"`
	PayType model.PayType `json:"pay_type"`
}

// CreateGroupon 创建拼团活动接口
func (g *GrouponController) CreateGroupon(c *gin.Context) {
	var req service.GrouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err, "Invalid groupon request")
		return
	}

	groupon, err := g.GrouponService.CreateGroupon(c.Request.Context(), c.GetInt64(middleware.ContextOperatorId), req)
	if err != nil {
		respondError(c, err, "Failed to create groupon")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    gin.H{"groupon": groupon},
		"message": "Groupon created successfully",
	})
}

// UpdateGroupon 编辑拼团活动接口
func (g *GrouponController) UpdateGroupon(c *gin.Context) {
	grouponId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req service.GrouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err, "Invalid groupon request")
		return
	}

	groupon, err := g.GrouponService.UpdateGroupon(c.Request.Context(), c.GetInt64(middleware.ContextOperatorId), grouponId, req)
	if err != nil {
		respondError(c, err, "Failed to update groupon")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    gin.H{"groupon": groupon},
		"message": "Groupon updated successfully",
	})
}

// TurnOffGroupon 停用拼团活动接口
func (g *GrouponController) TurnOffGroupon(c *gin.Context) {
	grouponId, ok := pathId(c, "id")
	if !ok {
		return
	}

	if err := g.GrouponService.TurnOffGroupon(c.Request.Context(), c.GetInt64(middleware.ContextOperatorId), grouponId); err != nil {
		respondError(c, err, "Failed to turn off groupon")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "Groupon turned off",
	})
}

// ForceSettle 强制成团接口
func (g *GrouponController) ForceSettle(c *gin.Context) {
	attendId, ok := pathId(c, "id")
	if !ok {
		return
	}

	result, err := g.GrouponService.ForceSettle(c.Request.Context(), attendId)
	if err != nil {
		respondError(c, err, "Failed to force settle attend")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"attend_id":         result.AttendId,
			"outcome":           result.Outcome.String(),
			"quantity":          result.Quantity,
			"orders":            result.Orders,
			"direct_pay_failed": result.DirectPayFailed,
			"canceled":          result.Canceled,
		},
		"message": "Attend settled",
	})
}

// OpenAttend 开团接口
func (g *GrouponController) OpenAttend(c *gin.Context) {
	grouponId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req attendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err, "Invalid attend request")
		return
	}

	result, err := g.GrouponService.OpenAttend(c.Request.Context(), grouponId, c.GetInt64(middleware.ContextCustomerId), req.Quantity)
	if err != nil {
		respondError(c, err, "Failed to open attend")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    result,
		"message": "Attend opened, waiting for payment",
	})
}

// JoinAttend 参团接口
func (g *GrouponController) JoinAttend(c *gin.Context) {
	attendId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req attendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err, "Invalid attend request")
		return
	}

	result, err := g.GrouponService.JoinAttend(c.Request.Context(), attendId, c.GetInt64(middleware.ContextCustomerId), req.Quantity)
	if err != nil {
		respondError(c, err, "Failed to join attend")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    result,
		"message": "Attend joined, waiting for payment",
	})
}

// PaymentCallback 支付结果回调接口
func (g *GrouponController) PaymentCallback(c *gin.Context) {
	var req paymentCallback
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderId <= 0 {
		if err == nil {
			err = errors.New("missing order_id")
		}
		badRequest(c, err, "Invalid payment callback")
		return
	}
	if req.PayType == "" {
		req.PayType = model.PayTypeWeixinJsapi
	}

	result, err := g.GrouponService.HandleOrderPaid(c.Request.Context(), req.OrderId, req.PayType)
	if err != nil {
		respondError(c, err, "Failed to handle payment")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    result,
		"message": "Payment handled",
	})
}

// GetPromotionEvent 商品页拼团信息接口
func (g *GrouponController) GetPromotionEvent(c *gin.Context) {
	shopId, ok := pathId(c, "shop_id")
	if !ok {
		return
	}
	productId, ok := pathId(c, "product_id")
	if !ok {
		return
	}

	event, found, err := g.GrouponService.GetPromotionEvent(c.Request.Context(), shopId, productId)
	if err != nil {
		respondError(c, err, "Failed to query promotion")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    -1,
			"error":   "promotion not found",
			"message": "No running groupon for this product",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"data":    gin.H{"promotion": event},
		"message": "Promotion queried successfully",
	})
}

// SetSettlementEnabled 设置团超时自动失败结算开关接口
func (g *GrouponController) SetSettlementEnabled(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid enabled parameter",
			"message": "Enabled parameter must be true or false",
		})
		return
	}

	if err := g.GrouponService.SetSettlementEnabled(c.Request.Context(), enabled); err != nil {
		respondError(c, err, "Failed to set settlement enabled")
		return
	}

	status := "enabled"
	if !enabled {
		status = "disabled"
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "Timeout settlement " + status,
	})
}

// SetShopNotifyEnabled 设置店铺通知开关接口
func (g *GrouponController) SetShopNotifyEnabled(c *gin.Context) {
	shopId, ok := pathId(c, "shop_id")
	if !ok {
		return
	}
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid enabled parameter",
			"message": "Enabled parameter must be true or false",
		})
		return
	}

	kind := notification.Kind(c.Param("kind"))
	if err := g.GrouponService.SetShopNotifyEnabled(c.Request.Context(), shopId, kind, enabled); err != nil {
		respondError(c, err, "Failed to set shop notify preference")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "Shop notify preference updated",
	})
}

// pathId 解析路径中的正整数ID，失败时直接返回400
func pathId(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   "invalid " + name,
			"message": "ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, err error, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    -1,
		"error":   err.Error(),
		"message": message,
	})
}

// respondError 业务拒绝原样返回给用户，其余错误只记录日志，对外统一提示
func respondError(c *gin.Context, err error, message string) {
	var rejectErr *service.RejectError
	switch {
	case errors.As(err, &rejectErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    -1,
			"error":   rejectErr.Message,
			"message": message,
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    -1,
			"error":   "record not found",
			"message": message,
		})
	default:
		slog.Error("Request failed",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err.Error(),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    -1,
			"error":   "系统繁忙，请稍后重试",
			"message": message,
		})
	}
}

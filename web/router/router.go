package router

import (
	"groupon_system/web/controller"
	"groupon_system/web/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InitRouter 初始化并返回Gin路由引擎
func InitRouter(grouponService controller.GrouponService) *gin.Engine {
	r := gin.Default()

	grouponController := controller.NewGrouponController(grouponService)

	// Prometheus指标
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// 商品页拼团信息
		api.GET("/promotions/:shop_id/:product_id", grouponController.GetPromotionEvent)

		// 开团与参团，需要客户身份
		customer := api.Group("", middleware.CustomerMiddleware())
		{
			customer.POST("/groupons/:id/attends", grouponController.OpenAttend)
			customer.POST("/attends/:id/join", grouponController.JoinAttend)
		}

		// 支付回调
		api.POST("/payment/callback", grouponController.PaymentCallback)

		// 管理接口组，需要管理员权限
		admin := api.Group("/admin", middleware.AdminMiddleware())
		{
			admin.POST("/groupons", grouponController.CreateGroupon)
			admin.PUT("/groupons/:id", grouponController.UpdateGroupon)
			admin.POST("/groupons/:id/off", grouponController.TurnOffGroupon)
			admin.POST("/attends/:id/force_settle", grouponController.ForceSettle)

			// Etcd配置管理接口
			admin.POST("/config/settlement/enable", grouponController.SetSettlementEnabled)
			admin.POST("/config/shops/:shop_id/notify/:kind", grouponController.SetShopNotifyEnabled)
		}
	}
	return r
}

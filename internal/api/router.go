package api

import (
	"strconv"

	"github.com/datallboy/gohls/internal/api/controllers"
	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/engine"
	"github.com/datallboy/gohls/internal/realtime"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

func RegisterRoutes(e *echo.Echo, app *app.Context, queue app.Scheduler, hub *realtime.Hub) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Metrics.IncRequests(strconv.Itoa(v.Status))
			app.Logger.Debug("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	taskCtrl := &controllers.TaskController{App: app, Queue: queue}
	configCtrl := &controllers.ConfigController{App: app, Queue: queue}

	e.GET("/config", configCtrl.Get)
	e.POST("/config", configCtrl.Update)
	e.GET("/info", configCtrl.ServerInfo)

	e.GET("/tasks", taskCtrl.List)
	e.GET("/task", taskCtrl.Get)
	e.POST("/download", taskCtrl.Download)
	e.POST("/pause", taskCtrl.Pause)
	e.POST("/resume", taskCtrl.Resume)
	e.POST("/delete", taskCtrl.Delete)

	e.GET("/queue/status", taskCtrl.QueueStatus)
	e.POST("/queue/clear", taskCtrl.ClearQueue)

	if hub != nil {
		hub.SetSnapshot(func() []realtime.Event {
			return []realtime.Event{
				{Type: engine.EventServerInfo, Data: configCtrl.Info()},
				{Type: engine.EventTasks, Data: queue.ListJobs()},
				{Type: engine.EventQueueStatus, Data: queue.QueueStatus()},
			}
		})
		e.GET("/ws", echo.WrapHandler(hub))
	}

	if app.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler()))
	}
}

package v1

import "github.com/gin-gonic/gin"

// ServerInterface is implemented by the handlers package.
type ServerInterface interface {
	// Collector registration and liveness
	RegisterCollector(c *gin.Context)
	CollectorHeartbeat(c *gin.Context)
	DeregisterCollector(c *gin.Context)
	ListCollectors(c *gin.Context)
	GetCollector(c *gin.Context)

	// Task submission and lifecycle
	SubmitTask(c *gin.Context)
	ListTasks(c *gin.Context)
	GetTask(c *gin.Context)
	CancelTask(c *gin.Context)
	GetTaskResults(c *gin.Context)
	GetTaskTransitions(c *gin.Context)

	// Result and progress ingestion (broker-facing)
	AcceptResult(c *gin.Context)
	ReportProgress(c *gin.Context)
}

// RegisterHandlers wires all v1 routes on the given group.
func RegisterHandlers(router *gin.RouterGroup, h ServerInterface) {
	router.POST("/collectors", h.RegisterCollector)
	router.GET("/collectors", h.ListCollectors)
	router.GET("/collectors/:id", h.GetCollector)
	router.POST("/collectors/:id/heartbeat", h.CollectorHeartbeat)
	router.DELETE("/collectors/:id", h.DeregisterCollector)

	router.POST("/tasks", h.SubmitTask)
	router.GET("/tasks", h.ListTasks)
	router.GET("/tasks/:id", h.GetTask)
	router.DELETE("/tasks/:id", h.CancelTask)
	router.GET("/tasks/:id/results", h.GetTaskResults)
	router.GET("/tasks/:id/transitions", h.GetTaskTransitions)
	router.POST("/tasks/:id/progress", h.ReportProgress)

	router.POST("/results", h.AcceptResult)
}

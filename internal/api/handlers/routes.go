package handlers

import "github.com/gin-gonic/gin"

// Register mounts the API under /api/v1 and the probes under /health.
func (s *Server) Register(r gin.IRouter) {
	health := r.Group("/health")
	health.GET("/live", s.GetLiveness)
	health.GET("/ready", s.GetReadiness)

	v1 := r.Group("/api/v1")

	vms := v1.Group("/vms")
	vms.GET("", s.ListVMs)
	vms.POST("", s.CreateVM)
	vms.POST("/validate", s.ValidateVM)
	vms.POST("/preview", s.PreviewVM)
	vms.POST("/batch/plan", s.BatchPlan)
	vms.POST("/batch/apply", s.BatchApply)
	vms.POST("/batch/destroy", s.BatchDestroy)
	vms.GET("/:name", s.GetVM)
	vms.DELETE("/:name", s.DeleteVMConfig)
	vms.PATCH("/:name/frontend-url", s.SetFrontendURL)
	vms.POST("/:name/plan", s.PlanVM)
	vms.POST("/:name/apply", s.ApplyVM)
	vms.POST("/:name/destroy", s.DestroyVM)
	vms.POST("/:name/release-ip", s.ReleaseVMIP)
	vms.POST("/:name/clone", s.CloneVM)
	vms.DELETE("/:name/complete", s.CompleteDeleteVM)
	vms.POST("/:name/migrate", s.MigrateVM)
	vms.POST("/:name/migrate/start", s.StartMigration)
	vms.POST("/:name/migrate/complete", s.CompleteMigration)
	vms.POST("/:name/power/:action", s.PowerVM)
	vms.GET("/:name/snapshots", s.ListSnapshots)
	vms.POST("/:name/snapshots", s.CreateSnapshot)
	vms.DELETE("/:name/snapshots/:snap", s.DeleteSnapshot)
	vms.POST("/:name/snapshots/:snap/rollback", s.RollbackSnapshot)
	vms.GET("/:name/history", s.ListVMHistory)

	v1.GET("/tasks/:node/*upid", s.GetTaskStatus)
	v1.POST("/import", s.ImportVM)

	history := v1.Group("/history")
	history.GET("", s.ListHistory)
	history.GET("/:id", s.GetHistory)
	history.POST("/:id/rollback", s.RollbackHistory)

	state := v1.Group("/state")
	state.GET("", s.ListState)
	state.POST("/refresh", s.RefreshState)
	state.GET("/*address", s.ShowState)
	state.DELETE("/*address", s.RemoveState)

	pve := v1.Group("/proxmox")
	pve.GET("/vms", s.ListProxmoxVMs)
	pve.GET("/vms/unmanaged", s.ListUnmanagedVMs)
	pve.GET("/nodes", s.ListNodes)
	pve.GET("/cluster", s.GetClusterStats)
	pve.GET("/storage", s.ListStorage)
	pve.GET("/templates", s.ListTemplates)

	ipam := v1.Group("/ipam")
	ipam.GET("/status", s.GetIPAMStatus)
	ipam.GET("/vlans", s.ListVLANs)
	ipam.GET("/available", s.ListAvailableIPs)
	ipam.GET("/used", s.ListUsedIPs)
	ipam.POST("/reserve", s.ReserveIP)
	ipam.POST("/release", s.ReleaseIP)

	ansible := v1.Group("/ansible")
	ansible.GET("/groups", s.ListAnsibleGroups)
	ansible.GET("/playbooks", s.ListPlaybooks)
	ansible.GET("/hosts", s.ListAnsibleHosts)

	execs := v1.Group("/executions")
	execs.GET("", s.ListExecutions)
	execs.POST("/ansible", s.RunAnsible)
	execs.POST("/terraform", s.RunTerraform)
	execs.GET("/:id", s.GetExecution)
	execs.GET("/:id/logs", s.GetExecutionLogs)
	execs.POST("/:id/cancel", s.CancelExecution)
	execs.DELETE("/:id", s.DeleteExecution)

	v1.POST("/admin/config/reload", s.ReloadConfig)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/handlers"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/middleware"
	"github.com/gin-gonic/gin"
)

// Services bundles what the routes dispatch to.
type Services struct {
	Metrics     handlers.MetricService
	AutoMetrics handlers.AutoMetricService
	Datasources handlers.DatasourceService
	Templates   handlers.TemplateService
	Track       handlers.TrackService
	History     handlers.HistoryService
	Rejections  handlers.RejectionRecorder
}

// SetupRoutes registers the HTTP surface. promHandler, when non-nil, is
// served at GET /metrics.
func SetupRoutes(router *gin.Engine, svc Services, auth extensions.AuthProvider, promHandler http.Handler) {
	router.GET("/health", handlers.HealthCheck)
	if promHandler != nil {
		router.GET("/metrics", gin.WrapH(promHandler))
	}

	// SDK ingest authenticates by client key, not bearer token.
	router.POST("/event/:clientKey", handlers.PostEvent(svc.Track, svc.Rejections))
	router.POST("/ff-usage/:clientKey", handlers.PostFeatureUsage(svc.Track, svc.Rejections))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(auth))
	{
		v1.GET("/metrics", handlers.ListMetrics(svc.Metrics))
		v1.POST("/metric", handlers.PostMetric(svc.Metrics))
		v1.GET("/metric/:id", handlers.GetMetric(svc.Metrics))
		v1.PUT("/metric/:id", handlers.PutMetric(svc.Metrics))
		v1.DELETE("/metric/:id", handlers.DeleteMetric(svc.Metrics))
		v1.GET("/metric/:id/usage", handlers.GetMetricUsage(svc.Metrics))
		v1.POST("/metric/:id/analysis", handlers.PostMetricAnalysis(svc.Metrics))
		v1.POST("/metric/:id/analysis/cancel", handlers.CancelMetricAnalysis(svc.Metrics))

		v1.GET("/datasource/:datasourceId/tracked-events", handlers.GetTrackedEvents(svc.AutoMetrics))
		v1.POST("/auto-metrics", handlers.PostAutoMetrics(svc.AutoMetrics))

		v1.GET("/datasources", handlers.ListDatasources(svc.Datasources))
		v1.POST("/datasources", handlers.PostDatasource(svc.Datasources))
		v1.GET("/datasource/:datasourceId", handlers.GetDatasource(svc.Datasources))

		v1.GET("/templates", handlers.ListTemplates(svc.Templates))
		v1.POST("/templates", handlers.PostTemplate(svc.Templates))
		v1.GET("/template/:id", handlers.GetTemplate(svc.Templates))
		v1.PUT("/template/:id", handlers.PutTemplate(svc.Templates))
		v1.DELETE("/template/:id", handlers.DeleteTemplate(svc.Templates))

		v1.GET("/history/:type/:id", handlers.GetHistory(svc.History))
	}
}

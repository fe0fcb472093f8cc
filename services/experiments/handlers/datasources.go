// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/gin-gonic/gin"
)

func ListDatasources(svc DatasourceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context(), principal(c))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"datasources": list})
	}
}

func GetDatasource(svc DatasourceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, err := svc.Get(c.Request.Context(), principal(c), c.Param("datasourceId"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"datasource": ds})
	}
}

func PostDatasource(svc DatasourceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.DatasourceInput
		if !bind(c, &in) {
			return
		}
		ds, err := svc.Create(c.Request.Context(), principal(c), in)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"datasource": ds})
	}
}

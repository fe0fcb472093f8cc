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

func ListTemplates(svc TemplateService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context(), principal(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if list == nil {
			list = []datatypes.ExperimentTemplate{}
		}
		respond(c, http.StatusOK, gin.H{"templates": list})
	}
}

func GetTemplate(svc TemplateService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Get(c.Request.Context(), principal(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"template": t})
	}
}

func PostTemplate(svc TemplateService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.TemplateInput
		if !bind(c, &in) {
			return
		}
		t, err := svc.Create(c.Request.Context(), principal(c), in)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"template": t})
	}
}

func PutTemplate(svc TemplateService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch datatypes.TemplatePatch
		if !bind(c, &patch) {
			return
		}
		t, err := svc.Update(c.Request.Context(), principal(c), c.Param("id"), patch)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"template": t})
	}
}

func DeleteTemplate(svc TemplateService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), principal(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, nil)
	}
}

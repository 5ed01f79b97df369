package api

import (
	"net/http"
	"regexp"
)

var pathParamPattern = regexp.MustCompile(`\{([^}/]+)\}`)

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.routes()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the protected routes.
func buildOpenAPIDoc(routes []route) map[string]any {
	paths := map[string]any{}

	for _, rt := range routes {
		item, ok := paths[rt.pattern].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[rt.pattern] = item
		}

		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid bearer token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}

		operation := map[string]any{
			"operationId": rt.operationID,
			"summary":     rt.summary,
			"responses":   responses,
			"security":    []any{map[string]any{"BearerAuth": []string{}}},
			"x-scopes":    rt.scopes,
		}
		if params := pathParameters(rt.pattern); len(params) > 0 {
			operation["parameters"] = params
		}
		item[methodKey(rt.method)] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "slotd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func pathParameters(pattern string) []any {
	var params []any
	for _, m := range pathParamPattern.FindAllStringSubmatch(pattern, -1) {
		params = append(params, map[string]any{
			"name":     m[1],
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		})
	}
	return params
}

func methodKey(method string) string {
	switch method {
	case http.MethodGet:
		return "get"
	case http.MethodPost:
		return "post"
	case http.MethodPut:
		return "put"
	case http.MethodDelete:
		return "delete"
	default:
		return "x-" + method
	}
}

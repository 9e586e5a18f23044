package swagger

import (
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Error constants.
var (
	ErrServe = errors.New("swagger serve failed")
)

// redocCDN is the ReDoc bundle the docs page loads.
const redocCDN = "https://cdn.redoc.ly/redoc/v2.1.5/bundles/redoc.standalone.js"

// Register attaches the API docs routes to router.
//
//	GET /api-docs      -> ReDoc HTML
//	GET /openapi.yaml  -> embedded OpenAPI document
func Register(router *httprouter.Router) {
	if router == nil {
		panic("router is nil")
	}

	router.GET("/api-docs", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
	})

	router.GET("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		_, _ = w.Write(OpenAPI)
	})
}

const indexHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8">
    <title>tunebuzz API</title>
    <style>body{margin:0;padding:0}</style>
  </head>
  <body>
    <redoc id="redoc-container"></redoc>
    <script src="` + redocCDN + `"></script>
    <script>Redoc.init('/openapi.yaml', { suppressWarnings: true }, document.getElementById('redoc-container'));</script>
  </body>
</html>`

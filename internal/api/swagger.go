package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"aerostic/backend/internal/auth"
)

//go:embed openapi.yaml
var openAPISpec string

// RegisterDocs mounts the OpenAPI document and the Swagger UI. The UI
// authorizes with PKCE against the same issuer the API trusts.
func RegisterDocs(e *echo.Echo, issuer, clientID string) {
	e.GET("/openapi.yaml", SpecHandler(issuer))
	e.GET("/docs", SwaggerHandler(issuer, clientID))
	e.GET("/docs/oauth2-redirect.html", OAuthRedirectHandler)
}

// SpecHandler serves the OpenAPI document with {oktaIssuer} replaced by the
// configured issuer.
func SpecHandler(issuer string) echo.HandlerFunc {
	spec := strings.ReplaceAll(openAPISpec, "{oktaIssuer}", issuer)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}

// SwaggerHandler serves the Swagger UI page.
func SwaggerHandler(issuer, clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		html := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", c.Scheme()+"://"+r.Host+"/docs/oauth2-redirect.html",
			"${OKTA_DOMAIN}", issuer,
			"${CLIENT_ID}", clientID,
			"${SCOPES}", strings.Join(auth.AllScopes, " "),
		).Replace(swaggerHTML)
		return c.HTML(http.StatusOK, html)
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI
func OAuthRedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Automation API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;
    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      scopes: "${SCOPES}",
      usePkceWithAuthorizationCodeGrant: true,
    });
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`

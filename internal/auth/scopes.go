package auth

const (
	ScopeOpenID          = "openid"
	ScopeProfile         = "profile"
	ScopeEmail           = "email"
	ScopeAutomationRead  = "automation:read"
	ScopeAutomationWrite = "automation:write"
)

// AllScopes is requested by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeAutomationRead,
	ScopeAutomationWrite,
}

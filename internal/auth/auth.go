// Package auth authenticates API callers against an OpenID Connect provider
// and resolves the tenant each request acts for.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"aerostic/backend/internal/config"
	"aerostic/backend/internal/fault"
	"aerostic/backend/internal/repository"
	"aerostic/backend/pkg/models"
)

// Logger is the subset of the application logger used here.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type contextKey string

const tenantKey contextKey = "tenant_id"

// DevEmail identifies the caller when authentication is bypassed.
const DevEmail = "dev@localhost"

// WithTenant returns a context carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant resolved by RequireAuth.
func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}

// Auth performs the OIDC authorization code flow for browsers and verifies
// bearer tokens for API clients.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	tenants      repository.TenantStore
	logger       Logger
	authBypass   bool
}

// New creates an Auth from the application configuration. In DEV with
// dev_mode_bypass set, no provider is contacted and every request acts as
// DevEmail.
func New(ctx context.Context, cfg *config.Config, tenants repository.TenantStore, logger Logger) (*Auth, error) {
	a := &Auth{
		tenants:    tenants,
		logger:     logger,
		authBypass: strings.EqualFold(cfg.Environment, "DEV") && cfg.DevModeBypass,
	}
	if a.authBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience, not the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// LoginHandler redirects to the provider with a random state cookie.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "oauthstate", Value: state, HttpOnly: true, Path: "/"})
	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler exchanges the authorization code and stores the verified
// ID token in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "id_token", Value: rawIDToken, HttpOnly: true, Path: "/"})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler clears the session cookie.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "id_token", Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// errLoginRequired means the browser has no session and should log in.
var errLoginRequired = errors.New("login required")

// RequireAuth verifies the caller and stores its tenant id in the request
// context. The tenant is derived from the email domain and provisioned on
// first use.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := a.identify(r)
		if errors.Is(err, errLoginRequired) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		_, domain, ok := strings.Cut(email, "@")
		if !ok || domain == "" || strings.Contains(domain, "@") {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}

		tenant, err := a.resolveTenant(r.Context(), domain)
		if err != nil {
			http.Error(w, "failed to resolve tenant: "+err.Error(), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant.ID)))
	})
}

// Middleware is RequireAuth for echo groups.
func (a *Auth) Middleware() echo.MiddlewareFunc {
	return echo.WrapMiddleware(a.RequireAuth)
}

// identify returns the caller's email from a bearer token or session cookie.
func (a *Auth) identify(r *http.Request) (string, error) {
	if a.authBypass {
		return DevEmail, nil
	}

	var token *oidc.IDToken
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		t, err := a.apiVerifier.Verify(r.Context(), raw)
		if err != nil {
			return "", fmt.Errorf("invalid token: %w", err)
		}
		token = t
	} else {
		cookie, err := r.Cookie("id_token")
		if err != nil {
			return "", errLoginRequired
		}
		t, err := a.verifier.Verify(r.Context(), cookie.Value)
		if err != nil {
			return "", fmt.Errorf("invalid token: %w", err)
		}
		token = t
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", errors.New("failed to parse token claims")
	}
	return claims.Email, nil
}

func (a *Auth) resolveTenant(ctx context.Context, domain string) (*models.Tenant, error) {
	tenant, err := a.tenants.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	tenant = &models.Tenant{Name: domain, Domain: domain}
	if err := a.tenants.CreateTenant(ctx, tenant); err != nil {
		if a.logger != nil {
			a.logger.Error("Failed to provision tenant", "domain", domain, "error", err)
		}
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("Provisioned tenant", "domain", domain, "tenant_id", tenant.ID)
	}
	return tenant, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

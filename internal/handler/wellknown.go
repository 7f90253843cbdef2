package handler

import (
	"net/http"
)

// handleProtectedResource advertises the OAuth protected-resource metadata
// (RFC 9728) so clients can discover the authorization server guarding the
// MCP endpoint. Only served when oauth mode is configured.
// GET /.well-known/oauth-protected-resource
func (h *Handler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil || h.cfg.AuthMode != "oauth" {
		h.writeNotFound(w)
		return
	}

	resource := h.cfg.OAuth.ResourceURL
	if resource == "" {
		resource = h.baseURL
	}
	metadata := map[string]any{
		"resource":                 resource,
		"bearer_methods_supported": []string{"header"},
	}
	if h.cfg.OAuth.IssuerURL != "" {
		metadata["authorization_servers"] = []string{h.cfg.OAuth.IssuerURL}
	}
	if len(h.cfg.OAuth.RequiredScopes) > 0 {
		metadata["scopes_supported"] = h.cfg.OAuth.RequiredScopes
	}

	h.writeJSON(w, http.StatusOK, metadata)
}

// handleAuthorizationServer mirrors the authorization server metadata for
// clients that only know this host.
// GET /.well-known/oauth-authorization-server
func (h *Handler) handleAuthorizationServer(w http.ResponseWriter, r *http.Request) {
	if h.cfg == nil || h.cfg.AuthMode != "oauth" || h.cfg.OAuth.IssuerURL == "" {
		h.writeNotFound(w)
		return
	}

	oauth := h.cfg.OAuth
	metadata := map[string]any{
		"issuer": oauth.IssuerURL,
	}
	for field, value := range map[string]string{
		"authorization_endpoint": oauth.AuthorizationURL,
		"token_endpoint":         oauth.TokenURL,
		"introspection_endpoint": oauth.IntrospectionURL,
		"revocation_endpoint":    oauth.RevocationURL,
		"registration_endpoint":  oauth.RegistrationURL,
	} {
		if value != "" {
			metadata[field] = value
		}
	}
	if len(oauth.RequiredScopes) > 0 {
		metadata["scopes_supported"] = oauth.RequiredScopes
	}

	h.writeJSON(w, http.StatusOK, metadata)
}

package server

import (
	"net/http"

	"github.com/deploymate/deploymate/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	stateCookie = "deploymate_oauth_state"
	ctxGateway  = "gateway"
	ctxUser     = "user"
)

func (h *handlers) cors(c *gin.Context) {
	origin := h.deps.ClientOrigin
	if origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, If-Match")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	}
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (h *handlers) authRedirect(c *gin.Context) {
	state := randomID()
	c.SetCookie(stateCookie, state, 300, "/", "", false, true)
	c.Redirect(http.StatusFound, h.deps.OAuth.AuthCodeURL(state))
}

func (h *handlers) authCallback(c *gin.Context) {
	state, err := c.Cookie(stateCookie)
	if err != nil || state == "" || c.Query("state") != state {
		c.Redirect(http.StatusFound, h.deps.ClientOrigin+"?error=auth_failed")
		return
	}
	c.SetCookie(stateCookie, "", -1, "/", "", false, true)

	tok, err := h.deps.OAuth.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		h.deps.Log.Warn("oauth exchange failed", zap.Error(err))
		c.Redirect(http.StatusFound, h.deps.ClientOrigin+"?error=auth_failed")
		return
	}

	user, err := h.deps.Factory.ForToken(tok.AccessToken).CurrentUser(c.Request.Context())
	if err != nil {
		h.deps.Log.Warn("fetching oauth user failed", zap.Error(err))
		c.Redirect(http.StatusFound, h.deps.ClientOrigin+"?error=auth_failed")
		return
	}

	id := h.sessions.Create(user, tok.AccessToken)
	c.SetCookie(sessionCookie, id, int(h.sessions.ttl.Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, h.deps.ClientOrigin+"/dashboard")
}

func (h *handlers) authLogout(c *gin.Context) {
	if id, err := c.Cookie(sessionCookie); err == nil {
		h.sessions.Delete(id)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.Redirect(http.StatusFound, h.deps.ClientOrigin)
}

func (h *handlers) authStatus(c *gin.Context) {
	if sess, ok := h.currentSession(c); ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": sess.User})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

func (h *handlers) requireAuth(c *gin.Context) {
	sess, ok := h.currentSession(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	c.Set(ctxUser, sess.User)
	c.Set(ctxGateway, h.deps.Factory.ForToken(sess.Token))
	c.Next()
}

func (h *handlers) currentSession(c *gin.Context) (session, bool) {
	id, err := c.Cookie(sessionCookie)
	if err != nil || id == "" {
		return session{}, false
	}
	return h.sessions.Get(id)
}

func gateway(c *gin.Context) domain.Gateway {
	return c.MustGet(ctxGateway).(domain.Gateway)
}

package handler

import "github.com/gin-gonic/gin"

// PrincipalKey is the gin context key under which the auth middleware stores
// the pre-validated principal identifier.
const PrincipalKey = "principal_id"

// Principal returns the authenticated principal for the request. The auth
// middleware guarantees it is set on every route that reaches a handler.
func Principal(c *gin.Context) string {
	return c.GetString(PrincipalKey)
}

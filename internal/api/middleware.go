package api

import (
	"net/http"
	"strings"

	"github.com/annel0/tileblend/internal/auth"
	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// requireEditor пропускает запрос только с действующим токеном редактора.
// Нет токена или он не прошёл проверку: 401; токен без права правки: 403.
func (rs *RestServer) requireEditor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rs.tokens == nil {
			deny(c, http.StatusUnauthorized, "Авторизация не настроена")
			return
		}
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="tileblend"`)
			deny(c, http.StatusUnauthorized, "Отсутствует токен авторизации")
			return
		}
		claims, err := rs.tokens.Validate(raw)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="tileblend", error="invalid_token"`)
			deny(c, http.StatusUnauthorized, "Недействительный токен")
			return
		}
		if !claims.Editor {
			rs.logger.Warn("🚫 %s без права правки: %s %s", claims.Subject, c.Request.Method, c.FullPath())
			deny(c, http.StatusForbidden, "Недостаточно прав доступа")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// bearerToken извлекает токен из "Bearer <token>".
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, GenericResponse{Success: false, Message: msg})
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

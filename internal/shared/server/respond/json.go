package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON writes the payload as a JSON response with the given status.
func JSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

// OK writes the payload as a 200 response.
func OK(c *gin.Context, payload any) {
	JSON(c, http.StatusOK, payload)
}

package apperr

import "github.com/gin-gonic/gin"

// JSON 按错误分类写响应
func JSON(c *gin.Context, err error) {
	c.AbortWithStatusJSON(HTTPStatus(err), gin.H{"error": err.Error(), "code": Code(err)})
}

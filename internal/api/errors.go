package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/speaker-forge/internal/jobs"
	"github.com/yourusername/speaker-forge/internal/storage"
)

// Error はクライアントに返すエラーです。
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func invalidInput(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: message}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.Status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidJobID),
		errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたジョブまたはファイルが見つかりません。",
		})
	case errors.Is(err, jobs.ErrInvalidLabel):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "話者名は1〜100文字の英数字・空白・「-_.」で指定してください。",
		})
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "ALREADY_FINISHED",
			"message": "終了済みのジョブは中止できません。",
		})
	case errors.Is(err, jobs.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "CONFLICT",
			"message": "ジョブが更新中です。時間をおいて再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

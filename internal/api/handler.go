// Package api はジョブの投入と状態参照、成果物のダウンロードを HTTP で提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/jobs"
	"github.com/yourusername/speaker-forge/internal/output"
	"github.com/yourusername/speaker-forge/internal/storage"
)

// multipart のヘッダー分の余裕です。
const formOverheadBytes = 1 << 20

// Enqueuer はジョブを非同期キューに投入します。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Handler はジョブ API のハンドラー群です。
type Handler struct {
	service     *jobs.Service
	files       *storage.Local
	queue       Enqueuer
	maxFileSize int64
	log         *zap.SugaredLogger
}

// NewHandler は Handler を作成します。
func NewHandler(service *jobs.Service, files *storage.Local, queue Enqueuer, maxFileSize int64, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		service:     service,
		files:       files,
		queue:       queue,
		maxFileSize: maxFileSize,
		log:         log.Named("api"),
	}
}

// Register はジョブ API のルートを登録します。
func (h *Handler) Register(r gin.IRouter) {
	jobsGroup := r.Group("/jobs")
	{
		jobsGroup.POST("", h.CreateJob)
		jobsGroup.GET("/:id", h.GetJob)
		jobsGroup.POST("/:id/cancel", h.CancelJob)
		jobsGroup.GET("/:id/tracks", h.ListTracks)
		jobsGroup.PATCH("/:id/tracks/:speaker", h.RenameTrack)
		jobsGroup.GET("/:id/tracks/:speaker/download", h.DownloadTrack)
		jobsGroup.GET("/:id/transcript", h.DownloadTranscript)
	}
}

// CreateJob は POST /api/jobs のハンドラーです。音声を保存してジョブをキューに投入します。
func (h *Handler) CreateJob(c *gin.Context) {
	if h.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+formOverheadBytes)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(c, h.tooLarge())
			return
		}
		respondWithError(c, invalidInput("multipart/form-data の file フィールドで音声ファイルを送信してください。"))
		return
	}
	if header.Size == 0 {
		respondWithError(c, invalidInput("アップロードされたファイルが空です。"))
		return
	}
	if h.maxFileSize > 0 && header.Size > h.maxFileSize {
		respondWithError(c, h.tooLarge())
		return
	}

	file, err := header.Open()
	if err != nil {
		respondWithError(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer file.Close()

	mimeType, err := detectAudio(file)
	if err != nil {
		respondWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	record, err := h.service.CreateJob(ctx, header.Filename, header.Size)
	if err != nil {
		respondWithError(c, err)
		return
	}
	log := h.log.With("job_id", record.JobID)

	if _, err := h.files.SaveUpload(ctx, record.JobID, header.Filename, mimeType, file); err != nil {
		h.discard(ctx, record.JobID, log)
		respondWithError(c, err)
		return
	}
	if err := h.queue.Enqueue(ctx, record.JobID); err != nil {
		log.Errorw("failed to enqueue job", "error", err)
		h.discard(ctx, record.JobID, log)
		respondWithError(c, err)
		return
	}

	log.Infow("job accepted", "size", header.Size, "mime_type", mimeType)
	c.JSON(http.StatusAccepted, gin.H{"jobId": record.JobID})
}

// GetJob は GET /api/jobs/:id のハンドラーです。
func (h *Handler) GetJob(c *gin.Context) {
	doc, err := h.service.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, doc)
}

// CancelJob は POST /api/jobs/:id/cancel のハンドラーです。
// 待機中のジョブは即座に失敗扱いになり、処理中のジョブはワーカーが次の確認時に停止します。
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	record, err := h.service.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	h.log.Infow("job cancel requested", "job_id", jobID, "status", record.Status)
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":           record.JobID,
		"status":          record.Status,
		"cancelRequested": record.CancelRequested,
	})
}

// ListTracks は GET /api/jobs/:id/tracks のハンドラーです。
func (h *Handler) ListTracks(c *gin.Context) {
	tracks, err := h.service.ListTracks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	summaries := make([]jobs.TrackSummary, 0, len(tracks))
	for _, t := range tracks {
		summaries = append(summaries, jobs.Summarize(t))
	}
	c.JSON(http.StatusOK, gin.H{"tracks": summaries})
}

type renameRequest struct {
	DisplayLabel string `json:"displayLabel"`
}

// RenameTrack は PATCH /api/jobs/:id/tracks/:speaker のハンドラーです。
func (h *Handler) RenameTrack(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, invalidInput("displayLabel を JSON で指定してください。"))
		return
	}
	track, err := h.service.RenameTrack(c.Request.Context(), c.Param("id"), c.Param("speaker"), req.DisplayLabel)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs.Summarize(*track))
}

// DownloadTrack は GET /api/jobs/:id/tracks/:speaker/download のハンドラーです。
func (h *Handler) DownloadTrack(c *gin.Context) {
	jobID := c.Param("id")
	track, err := h.service.Track(c.Request.Context(), jobID, c.Param("speaker"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	filename := track.Label() + filepath.Ext(track.AudioPath)
	h.serveOutput(c, jobID, filepath.Base(track.AudioPath), filename, "audio/wav")
}

// DownloadTranscript は GET /api/jobs/:id/transcript のハンドラーです。format=md で Markdown を返します。
func (h *Handler) DownloadTranscript(c *gin.Context) {
	jobID := c.Param("id")
	path, err := h.service.TranscriptPath(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	switch strings.ToLower(c.DefaultQuery("format", "json")) {
	case "json":
		h.serveOutput(c, jobID, filepath.Base(path), output.JSONFilename, "application/json")
	case "md", "markdown":
		h.serveOutput(c, jobID, output.MarkdownFilename, output.MarkdownFilename, "text/markdown; charset=utf-8")
	default:
		respondWithError(c, invalidInput("format は json または md を指定してください。"))
	}
}

func (h *Handler) serveOutput(c *gin.Context, jobID, name, downloadName, contentType string) {
	ws, err := h.files.Workspace(jobID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	file, info, err := ws.OpenOutput(name)
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer file.Close()

	encodedName := url.PathEscape(downloadName)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", downloadName, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

func (h *Handler) discard(ctx context.Context, jobID string, log *zap.SugaredLogger) {
	ctx = context.WithoutCancel(ctx)
	if err := h.files.Remove(jobID); err != nil {
		log.Warnw("failed to remove workspace", "error", err)
	}
	if err := h.service.Discard(ctx, jobID); err != nil {
		log.Warnw("failed to discard job", "error", err)
	}
}

func (h *Handler) tooLarge() *Error {
	return &Error{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "LIMIT_EXCEEDED",
		Message: fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", h.maxFileSize/(1<<20)),
	}
}

// detectAudio は先頭バイトから形式を判定し、音声か動画であれば MIME タイプを返します。
// 読み取り位置は先頭に戻します。
func detectAudio(file multipart.File) (string, error) {
	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to detect file type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind upload: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		s := m.String()
		if strings.HasPrefix(s, "audio/") || strings.HasPrefix(s, "video/") || s == "application/ogg" {
			return mtype.String(), nil
		}
	}
	return "", &Error{
		Status:  http.StatusUnsupportedMediaType,
		Code:    "UNSUPPORTED_FORMAT",
		Message: "音声または動画ファイルを選択してください。",
	}
}

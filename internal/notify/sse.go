package notify

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const sseKeepAlive = 15 * time.Second

// SSEHandler は GET /api/jobs/:id/events のハンドラーを返します。
// 現在の状態を送ったあと、ジョブが終端状態になるまでイベントを流します。
func SSEHandler(opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := ownerOf(c, opts)
		if owner == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}
		jobID := c.Param("id")

		// スナップショットとの間でイベントを取りこぼさないよう先に購読する
		sub := opts.Hub.Subscribe(owner)
		sub.Watch(jobID)
		defer sub.Close()

		ctx := c.Request.Context()
		status, err := lookupStatus(ctx, opts.Status, jobID)
		if err != nil {
			logf(opts.Logger, "status lookup failed job=%s: %v", jobID, err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ状態の取得に失敗しました",
			})
			return
		}
		if status == nil || status.OwnerID != owner {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "ジョブが見つかりません",
			})
			return
		}

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent(MessageStatus, status)
		c.Writer.Flush()
		if status.State.Terminal() {
			return
		}

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case ev, ok := <-sub.Events():
				if !ok {
					return false
				}
				c.SSEvent(string(ev.Type), ev)
				return !ev.State.Terminal()
			case t := <-keepAlive.C:
				c.SSEvent("ping", t.UTC().Format(time.RFC3339))
				return true
			}
		})
	}
}

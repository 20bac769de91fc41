// Package routes 注册 /-/ 下的诊断接口：进度事件流、客户端消息、状态快照与指标。
package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/asset-worker/internal/metrics"
	"github.com/any-hub/asset-worker/internal/progress"
	"github.com/any-hub/asset-worker/internal/worker"
)

const keepAliveInterval = 15 * time.Second

// Runtime 是诊断接口依赖的运行时视图，由 worker.Runtime 实现。
type Runtime interface {
	Hub() *progress.Hub
	Message(ctx context.Context, msg progress.ClientMessage) *progress.StatusMessage
	Status() worker.Status
}

// RegisterDiagnostics 注册诊断路由；m 为 nil 时不暴露 /-/metrics。
func RegisterDiagnostics(app *fiber.App, rt Runtime, m *metrics.Metrics) {
	if app == nil || rt == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(rt.Status())
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg progress.ClientMessage
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		reply := rt.Message(c.Context(), msg)
		if reply == nil {
			return c.SendStatus(fiber.StatusAccepted)
		}
		return c.JSON(reply)
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("X-Accel-Buffering", "no")

		sub := rt.Hub().Subscribe()
		initial := rt.Status().Progress
		c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer sub.Close()
			streamEvents(w, sub.C, initial, keepAliveInterval)
		})
		return nil
	})

	if m != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
	}
}

// streamEvents 先写当前进度，再转发 Hub 消息，直到订阅关闭或客户端断开。
func streamEvents(w *bufio.Writer, events <-chan any, initial any, keepAlive time.Duration) {
	if err := writeEvent(w, initial); err != nil {
		return
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// writeEvent 按 SSE 格式写出一条消息，事件名取消息的 type 字段。
func writeEvent(w *bufio.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if name := eventName(msg); name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func eventName(msg any) string {
	switch m := msg.(type) {
	case progress.ProgressMessage:
		return m.Type
	case *progress.ProgressMessage:
		return m.Type
	case progress.StatusMessage:
		return m.Type
	case *progress.StatusMessage:
		return m.Type
	default:
		return ""
	}
}

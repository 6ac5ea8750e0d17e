package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	apperrors "peerchat/internal/errors"
	"peerchat/internal/metrics"

	"github.com/sirupsen/logrus"
)

const notifyTimeout = 5 * time.Second

// Notifier shows a user-facing notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }

// commandRunner runs an external command; replaced in tests.
type commandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// DesktopNotifier shows notifications through the platform's notification
// tool: osascript on macOS and notify-send elsewhere.
type DesktopNotifier struct {
	appName string
	goos    string
	run     commandRunner
}

func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{
		appName: appName,
		goos:    runtime.GOOS,
		run:     execRunner,
	}
}

func (n *DesktopNotifier) Notify(ctx context.Context, title, message string) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	var err error
	switch n.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", appleScriptQuote(message), appleScriptQuote(title))
		err = n.run(ctx, "osascript", "-e", script)
	case "linux", "freebsd", "openbsd", "netbsd":
		err = n.run(ctx, "notify-send", "--app-name", n.appName, "--expire-time", "5000", title, message)
	default:
		err = fmt.Errorf("desktop notifications are not supported on %s", n.goos)
	}

	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeNotification, "failed to show notification")
	}
	return nil
}

func appleScriptQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Dispatch delivers a notification without letting any failure escape.
// Errors and panics from n are logged and dropped.
func Dispatch(ctx context.Context, logger logrus.FieldLogger, n Notifier, title, message string) {
	if n == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.IncrementCounter(metrics.NotificationsFailed, nil, "Notifications that could not be shown")
			logger.WithField("panic", r).Warn("Notifier panicked")
		}
	}()

	if err := n.Notify(ctx, title, message); err != nil {
		metrics.IncrementCounter(metrics.NotificationsFailed, nil, "Notifications that could not be shown")
		apperrors.LogWarn(logger, err, "Notification dispatch failed")
	}
}

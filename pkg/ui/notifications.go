package ui

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/dustin/go-humanize"

	"k2dl/internal/downloader"
)

const notificationTitle = "k2dl"

// NotificationSender interface for platform-specific notification implementations
type NotificationSender interface {
	Send(title, message string) error
}

// LinuxNotificationSender sends notifications on Linux using notify-send
type LinuxNotificationSender struct{}

func (l *LinuxNotificationSender) Send(title, message string) error {
	return exec.Command("notify-send", title, message).Run()
}

// MacOSNotificationSender sends notifications on macOS using osascript
type MacOSNotificationSender struct{}

func (m *MacOSNotificationSender) Send(title, message string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, message, title)
	return exec.Command("osascript", "-e", script).Run()
}

// Notifier announces finished watch runs on the console and, when the
// platform supports it, on the desktop.
type Notifier struct {
	sender NotificationSender
	out    io.Writer
}

// NewNotifier creates a Notifier for the current platform. With desktop
// false only the console line is written.
func NewNotifier(out io.Writer, desktop bool) *Notifier {
	var sender NotificationSender
	if desktop {
		switch runtime.GOOS {
		case "linux":
			sender = &LinuxNotificationSender{}
		case "darwin":
			sender = &MacOSNotificationSender{}
		}
	}
	return &Notifier{sender: sender, out: out}
}

// NewNotifierWithSender creates a Notifier around an explicit sender
func NewNotifierWithSender(out io.Writer, sender NotificationSender) *Notifier {
	return &Notifier{sender: sender, out: out}
}

// RunFinished reports the summary of one run for target. Runs that neither
// downloaded nor failed anything stay on the console only.
func (n *Notifier) RunFinished(target string, sum downloader.Summary) {
	var msg string
	switch {
	case sum.Failed > 0:
		msg = fmt.Sprintf("%s: %d new files (%s), %d failed", target, sum.Success, humanize.Bytes(uint64(sum.Bytes)), sum.Failed)
		fmt.Fprintf(n.out, "%s %s\n", Red(notificationTitle), Yellow(msg))
	case sum.Success > 0:
		msg = fmt.Sprintf("%s: %d new files (%s)", target, sum.Success, humanize.Bytes(uint64(sum.Bytes)))
		fmt.Fprintf(n.out, "%s %s\n", Green(notificationTitle), msg)
	default:
		fmt.Fprintf(n.out, "%s %s\n", Cyan(notificationTitle), Dim(target+": up to date"))
		return
	}

	if n.sender != nil {
		// desktop notifications are best effort
		_ = n.sender.Send(notificationTitle, msg)
	}
}

// RunFailed reports a run that could not start or aborted
func (n *Notifier) RunFailed(target string, err error) {
	msg := fmt.Sprintf("%s: %v", target, err)
	fmt.Fprintf(n.out, "%s %s\n", Red(notificationTitle), Red(msg))
	if n.sender != nil {
		_ = n.sender.Send(notificationTitle, msg)
	}
}

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.olrik.dev/browserkeeper/internal/core"
)

// ErrNotRunning is returned when no daemon answers on the socket.
var ErrNotRunning = errors.New("daemon is not running")

// How long the client waits for the daemon to come up or go away.
var (
	startTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}

	return response, nil
}

// StreamLogs sends LOGS and copies the stream to w until the daemon closes
// the connection or stop is closed.
func StreamLogs(historyLines int, w io.Writer, stop <-chan struct{}) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "LOGS %d\n", historyLines); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}

	go func() {
		<-stop
		conn.Close()
	}()

	if _, err := io.Copy(w, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// StartDaemon forks "<self> daemon" into the background.
func StartDaemon() error {
	args := []string{"daemon"}
	if core.Config != nil && core.Config.ConfigPath != "" {
		args = append(args, "--config-path", core.Config.ConfigPath)
	}
	cmd := exec.Command(os.Args[0], args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))
	return cmd.Process.Release()
}

// WaitForDaemon polls until the daemon answers STATUS.
func WaitForDaemon() error {
	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if _, err := SendCommand("STATUS"); err == nil {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon did not answer within %s", startTimeout)
}

// WaitForDaemonStop polls until the daemon stops answering.
func WaitForDaemonStop() error {
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if _, err := SendCommand("STATUS"); err != nil {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon still running after %s", stopTimeout)
}

// EnsureDaemonIsRunning starts the daemon when nothing answers on the socket.
func EnsureDaemonIsRunning() error {
	if _, err := SendCommand("STATUS"); err == nil {
		return nil
	}
	slog.Info("Daemon not running. Starting it now...")
	if err := StartDaemon(); err != nil {
		return err
	}
	return WaitForDaemon()
}

// CheckVersionMismatch warns when the running daemon was built from a
// different version than this client.
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var info struct {
		Version string `json:"version"`
	}
	if err := response.DecodeData(&info); err != nil || info.Version == "" {
		return
	}
	if strings.TrimSpace(info.Version) != core.Version {
		slog.Warn(fmt.Sprintf("Daemon version %s differs from client version %s, restart the daemon with 'browserkeeper stop' and 'browserkeeper start'",
			core.FormatVersion(info.Version), core.FormatVersion(core.Version)))
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// serviceTarget describes where and how the bridge is registered with the
// platform's user service manager.
type serviceTarget struct {
	name     string // launchd label or systemd unit
	path     string // service file location
	template string
	values   map[string]string
	hints    []string
}

// resolveServiceTarget picks launchd on macOS and a systemd user unit on Linux.
func resolveServiceTarget(goos, home, execPath, cfgPath string) (*serviceTarget, error) {
	switch goos {
	case "darwin":
		const label = "com.ticketbridge.serve"
		logDir := filepath.Join(home, ".ticketbridge", "logs")
		path := filepath.Join(home, "Library", "LaunchAgents", label+".plist")
		return &serviceTarget{
			name:     label,
			path:     path,
			template: launchdTemplate,
			values: map[string]string{
				"LABEL":   label,
				"EXEC":    execPath,
				"CONFIG":  cfgPath,
				"WORKDIR": filepath.Join(home, ".ticketbridge"),
				"OUT_LOG": filepath.Join(logDir, "serve.out.log"),
				"ERR_LOG": filepath.Join(logDir, "serve.err.log"),
			},
			hints: []string{
				"Start: launchctl load " + path,
				"Stop:  launchctl unload " + path,
			},
		}, nil
	case "linux":
		const unit = "ticketbridge.service"
		return &serviceTarget{
			name:     unit,
			path:     filepath.Join(home, ".config", "systemd", "user", unit),
			template: systemdTemplate,
			values: map[string]string{
				"EXEC":   execPath,
				"CONFIG": cfgPath,
			},
			hints: []string{
				"Reload:  systemctl --user daemon-reload",
				"Start:   systemctl --user enable --now ticketbridge",
				"Session: journalctl --user -u ticketbridge -f (QR prompts show up here)",
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Register the bridge as a user service (launchd/systemd)",
		Long: `Writes a service file that runs 'ticketbridge serve' at login. A lost
WhatsApp session ends the process, so the service manager restarts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			target, err := resolveServiceTarget(runtime.GOOS, home, execPath, resolveConfigPath())
			if err != nil {
				return err
			}

			if log, ok := target.values["OUT_LOG"]; ok {
				if err := os.MkdirAll(filepath.Dir(log), 0o755); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(target.path), 0o755); err != nil {
				return err
			}
			contents := renderServiceFile(target.template, target.values)
			if err := os.WriteFile(target.path, []byte(contents), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", target.name, err)
			}

			fmt.Printf("Service installed: %s\n", target.path)
			for _, h := range target.hints {
				fmt.Println("  " + h)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the bridge's user service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			target, err := resolveServiceTarget(runtime.GOOS, home, "", "")
			if err != nil {
				return err
			}
			if err := os.Remove(target.path); err != nil {
				return fmt.Errorf("remove %s: %w", target.name, err)
			}
			fmt.Printf("Service removed: %s\n", target.path)
			return nil
		},
	}
}

// renderServiceFile fills the {{KEY}} placeholders of a service template.
func renderServiceFile(tmpl string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// KeepAlive restarts only after an unclean exit, so 'launchctl unload'
// and a Ctrl+C during a manual run are respected.
const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{WORKDIR}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>10</integer>
    <key>StandardOutPath</key>
    <string>{{OUT_LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>
`

// TimeoutStopSec leaves room for serve's own 10s drain of the inbound queue.
const systemdTemplate = `[Unit]
Description=ticketbridge: WhatsApp Web session relaying chats to the ticketing backend
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=10
KillSignal=SIGTERM
TimeoutStopSec=20

[Install]
WantedBy=default.target
`

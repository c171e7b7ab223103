package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"ticketbridge/internal/config"
	"ticketbridge/internal/store"

	"github.com/spf13/cobra"
)

// chromeBinaries are the executable names chromedp looks for.
var chromeBinaries = []string{
	"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge setup",
		Long: `Verifies the configuration, Chrome, the WhatsApp profile, the delivery log,
the gateway port and the backend endpoint. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("ticketbridge doctor v%s\n\n", version)

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, _, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			if bin, ok := findChrome(); ok {
				r.pass("Chrome", bin)
			} else {
				r.fail("Chrome", "no Chrome/Chromium executable found in PATH")
			}

			if err := os.MkdirAll(cfg.Session.ProfileDir, 0o755); err != nil {
				r.fail("Session profile", err.Error())
			} else if entries, _ := os.ReadDir(cfg.Session.ProfileDir); len(entries) == 0 {
				r.warn("Session profile", "empty; the first 'serve' will ask for a QR scan")
			} else {
				r.pass("Session profile", cfg.Session.ProfileDir)
			}

			if cfg.Session.HelperScript == "" {
				r.warn("Helper script", "not configured; sends need a page that provides window.WAPI")
			} else if _, err := os.Stat(cfg.Session.HelperScript); err != nil {
				r.fail("Helper script", err.Error())
			} else {
				r.pass("Helper script", cfg.Session.HelperScript)
			}

			if cfg.Store.Enabled {
				if err := checkDeliveryLog(cfg.Store.DBPath); err != nil {
					r.fail("Delivery log", err.Error())
				} else {
					r.pass("Delivery log", cfg.Store.DBPath)
				}
			} else {
				r.warn("Delivery log", "disabled")
			}

			if err := checkPort(cfg.Gateway.Addr()); err != nil {
				r.warn("Gateway port", fmt.Sprintf("%s may be in use: %v", cfg.Gateway.Addr(), err))
			} else {
				r.pass("Gateway port", cfg.Gateway.Addr()+" available")
			}

			if err := checkBackend(cfg.Backend.IngestURL); err != nil {
				r.warn("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Backend.IngestURL, err))
			} else {
				r.pass("Backend", cfg.Backend.IngestURL)
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func findChrome() (string, bool) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

func checkDeliveryLog(dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return st.Ping(ctx)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

// checkBackend only opens a TCP connection; posting would create a ticket.
func checkBackend(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

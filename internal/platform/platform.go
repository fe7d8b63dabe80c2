// Package platform decides once, at startup, which print facilities the
// host offers. Components consult the resulting Capabilities instead of
// probing for features on every call.
package platform

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/google/gousb"
)

// Capabilities describes the print facilities available on this host
type Capabilities struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`

	// USB is true when libusb could be initialised
	USB bool `json:"usb"`
	// SerialDevice and NetworkAddress are configured hardware endpoints
	SerialDevice   string `json:"serial_device,omitempty"`
	NetworkAddress string `json:"network_address,omitempty"`
	// ScanSerial is true when well-known serial ports are probed for printers
	ScanSerial bool `json:"scan_serial,omitempty"`

	// SpoolCommand submits a file to the OS print queue (lp, lpr, powershell)
	SpoolCommand []string `json:"spool_command,omitempty"`
	// QueueCommand lists OS print queues (lpstat)
	QueueCommand []string `json:"queue_command,omitempty"`
	// OpenCommand opens a file in the default browser
	OpenCommand []string `json:"open_command,omitempty"`
	// ChromePath is a headless-capable Chrome/Chromium binary
	ChromePath string `json:"chrome_path,omitempty"`
}

// Overrides lets configuration pin values instead of probing
type Overrides struct {
	DisableUSB     bool
	SerialDevice   string
	NetworkAddress string
	ScanSerial     bool
	SpoolCommand   []string
	ChromePath     string
}

// Hardware reports whether any hardware transport can be attempted
func (c Capabilities) Hardware() bool {
	return c.USB || c.ScanSerial || c.SerialDevice != "" || c.NetworkAddress != ""
}

// Spooler reports whether OS spooling is available
func (c Capabilities) Spooler() bool {
	return len(c.SpoolCommand) > 0
}

// Browser reports whether a preview can be opened in a browser
func (c Capabilities) Browser() bool {
	return len(c.OpenCommand) > 0
}

// Detect probes the host once
func Detect(o Overrides) Capabilities {
	caps := Capabilities{
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		SerialDevice:   o.SerialDevice,
		NetworkAddress: o.NetworkAddress,
		ScanSerial:     o.ScanSerial,
	}

	if !o.DisableUSB {
		caps.USB = probeUSB()
	}

	caps.SpoolCommand = o.SpoolCommand
	if len(caps.SpoolCommand) == 0 {
		caps.SpoolCommand = spoolCommand(runtime.GOOS)
	}
	caps.QueueCommand = queueCommand(runtime.GOOS)
	caps.OpenCommand = openCommand(runtime.GOOS)

	caps.ChromePath = o.ChromePath
	if caps.ChromePath == "" {
		caps.ChromePath = findChrome(runtime.GOOS)
	}

	return caps
}

// probeUSB initialises libusb once. gousb panics if libusb is missing at
// runtime on some platforms, so the probe recovers.
func probeUSB() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	ctx := gousb.NewContext()
	defer ctx.Close()
	return true
}

func spoolCommand(goos string) []string {
	switch goos {
	case "windows":
		if path, err := exec.LookPath("powershell"); err == nil {
			return []string{path, "-NoProfile", "-Command", "Start-Process -Verb Print -Wait -FilePath"}
		}
	default:
		if path, err := exec.LookPath("lp"); err == nil {
			return []string{path}
		}
		if path, err := exec.LookPath("lpr"); err == nil {
			return []string{path}
		}
	}
	return nil
}

func queueCommand(goos string) []string {
	switch goos {
	case "windows":
		if path, err := exec.LookPath("powershell"); err == nil {
			return []string{path, "-NoProfile", "-Command", "Get-Printer | ForEach-Object { $_.Name }"}
		}
	default:
		if path, err := exec.LookPath("lpstat"); err == nil {
			return []string{path, "-p", "-d"}
		}
	}
	return nil
}

func openCommand(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		if path, err := exec.LookPath("xdg-open"); err == nil {
			return []string{path}
		}
	}
	return nil
}

func findChrome(goos string) string {
	for _, bin := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(bin); err == nil {
			return path
		}
	}

	for _, path := range commonChromePaths(goos) {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func commonChromePaths(goos string) []string {
	switch goos {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		return nil
	}
}

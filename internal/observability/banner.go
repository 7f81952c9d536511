package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// ------------------------------------------------------------
// TermWriter – a mutex-guarded io.Writer for log output.
// ------------------------------------------------------------

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
// It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner() {
	fmt.Print("\033[2J\033[H")

	banner := `
   __  ______      _________  ___  ____  ____  __  _______
  /  |/  /   |    / / __ \ \/ / |/ __ \/ __ \/  |/  / __ \
 / /|_/ / /| |_  / / / / /\  /| / / / / / / / /|_/ / / / /
/ /  / / ___ / /_/ / /_/ / / / |/ /_/ / /_/ / /  / / /_/ /
/_/  /_/_/  |_\____/\____/ /_/|_\____/\____/_/  /_/\____/

           >> PLAN. REVIEW. EXECUTE. <<
`

	width := termWidth()
	lines := strings.Split(banner, "\n")

	for _, l := range lines {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Gap: 11
	// Scrolling Logs: 12+
	fmt.Print("\033[12;r")  // Set scrolling region from line 12 to the bottom
	fmt.Print("\033[12;1H") // Move cursor to the start of the scrolling region
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// ------------------------------------------------------------
// Live Status
// ------------------------------------------------------------

func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime).Round(time.Second)
	memMB := float64(m.Alloc) / 1024 / 1024

	role, thread, lastHB := GetStatus()

	pulse := "HEALTHY"
	pulseColor := colorNeonCyan
	delta := time.Since(lastHB)
	if delta >= 90*time.Second {
		pulse = "OFFLINE"
		pulseColor = colorNeonMag
	} else if delta >= 40*time.Second {
		pulse = "LAGGING"
		pulseColor = colorPurple
	}

	active := thread
	if active == "" {
		active = "-"
	}

	line := fmt.Sprintf(" %s%s%s | role %s | thread %s | up %s | mem %.1fMB | goroutines %d ",
		pulseColor, pulse, colorReset, role, active, uptime, memMB, runtime.NumGoroutine())

	width := termWidth()
	if len(line) < width {
		line += strings.Repeat(" ", width-len(line))
	}

	termMu.Lock()
	defer termMu.Unlock()
	// Save cursor, paint the dashboard row, restore.
	fmt.Print("\0337")
	fmt.Printf("\033[10;1H%s", line)
	fmt.Print("\0338")
}

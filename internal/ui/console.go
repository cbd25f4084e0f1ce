package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"firelink/internal/firebase"
	"firelink/pkg/utils"
)

// ConsoleUI prints what the connect and serve commands have to say. Data
// goes to out, everything meant for the person at the terminal to errOut.
type ConsoleUI struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func NewConsoleUI(in io.Reader, out, errOut io.Writer) *ConsoleUI {
	return &ConsoleUI{in: in, out: out, errOut: errOut}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintln(c.errOut, message)
}

// ShowCode displays a session code for the other peer to type in.
func (c *ConsoleUI) ShowCode(code string) {
	c.ShowMessage(fmt.Sprintf("\nSession code: %s\nRun `firelink connect --code %s` on the other machine.\n", code, code))
}

// InputCode prompts for a session code.
func (c *ConsoleUI) InputCode(ctx context.Context) (string, error) {
	return utils.AskForCode(ctx, c.in, c.errOut)
}

// StartWaiting shows a spinner with description until StopWaiting or the
// next message.
func (c *ConsoleUI) StartWaiting(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.bar = progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(c.errOut),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
}

func (c *ConsoleUI) StopWaiting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *ConsoleUI) clearLocked() {
	if c.bar == nil {
		return
	}
	_ = c.bar.Finish()
	c.bar = nil
}

// ShowSnapshot prints snap as one JSON document.
func (c *ConsoleUI) ShowSnapshot(snap firebase.Snapshot) {
	c.print(snapshotView(snap))
}

// ShowKey prints a generated child key.
func (c *ConsoleUI) ShowKey(key string) {
	c.print(map[string]string{"key": key})
}

// ShowEvent prints ev as one JSON line, suitable for piping.
func (c *ConsoleUI) ShowEvent(ev firebase.Event) {
	view := snapshotView(ev.Snapshot)
	view["event"] = ev.Type.String()
	if ev.PrevKey != "" {
		view["prevKey"] = ev.PrevKey
	}
	c.print(view)
}

func snapshotView(snap firebase.Snapshot) map[string]any {
	view := map[string]any{
		"key":   snap.Key,
		"value": snap.Value,
	}
	if len(snap.Value) == 0 {
		view["value"] = json.RawMessage("null")
	}
	if snap.Priority != nil {
		view["priority"] = *snap.Priority
	}
	return view
}

func (c *ConsoleUI) print(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		c.ShowMessage(fmt.Sprintf("cannot display result: %v", err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintln(c.out, strings.TrimSpace(string(line)))
}

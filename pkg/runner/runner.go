// Package runner owns process lifecycle: it starts the serving transport,
// waits for shutdown, and drains live voice sessions before exiting.
package runner

import (
	"bytes"
	"os"

	"github.com/dimiro1/banner"
)

// State is the runner's lifecycle phase.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

const Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"VOICECHAT\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

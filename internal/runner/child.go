package runner

import (
	"os"

	"github.com/foundryrun/foundry/internal/script"
)

// RunChild is the body of the "foundry internal run-entrypoint" subcommand:
// it reads the program context from fd 3, invokes the entrypoint, and
// writes the outcome frame to fd 4. It never returns a Go error to its
// caller for an entrypoint failure; that failure is encoded in the
// outcome frame instead, so the parent can distinguish it from a crash.
func RunChild(scriptPath, entrypoint, symbol string) {
	pcIn := os.NewFile(3, "pc-in")
	resOut := os.NewFile(4, "result-out")
	defer resOut.Close()

	var pc map[string]any
	if err := readFrame(pcIn, &pc); err != nil {
		writeFrame(resOut, Outcome{Err: &errOutcome{Kind: "FrameError", Message: err.Error()}})
		os.Exit(1)
	}
	pcIn.Close()

	fn, err := script.Load(scriptPath, symbol)
	if err != nil {
		writeFrame(resOut, Outcome{Err: &errOutcome{Kind: "LoadError", Message: err.Error()}})
		os.Exit(1)
	}

	params := paramsFrom(pc)
	result, err := fn(pc, params)
	if err != nil {
		writeFrame(resOut, Outcome{Err: &errOutcome{Kind: "EntrypointError", Message: err.Error()}})
		os.Exit(1)
	}

	writeFrame(resOut, Outcome{OK: &okOutcome{Result: result, PC: pc}})
}

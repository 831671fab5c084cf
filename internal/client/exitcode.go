package client

// terminalStatuses are the job states WaitTerminal stops polling at.
var terminalStatuses = map[string]bool{
	"SUCCESS": true,
	"FAILURE": true,
	"REVOKED": true,
}

// IsTerminal reports whether status is one WaitTerminal should stop on.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// exitCodes maps a job's terminal (or interim) status to the process
// exit code the reference CLI uses in --watch --batch mode.
var exitCodes = map[string]int{
	"SUCCESS":  0,
	"FAILURE":  10,
	"REVOKED":  11,
	"RETRY":    12,
	"PENDING":  13,
	"STARTED":  14,
	"RECEIVED": 15,
	"REJECTED": 16,
}

// ExitCode maps status to the process exit code a batch-mode CLI should
// return, 17 ("UNKNOWN") for anything not in the table.
func ExitCode(status string) int {
	if code, ok := exitCodes[status]; ok {
		return code
	}
	return 17
}

// Command sandboxctl talks to a running session service.
//
//	sandboxctl acquire conv-1
//	sandboxctl exec conv-1 -- ls -la
//	sandboxctl run conv-1 -f analysis.py --packages yfinance
//	sandboxctl upload conv-1 q1.csv q2.csv --dest data
//	sandboxctl sessions list --provider daytona
//
// The server URL and token default to ANALYZER_URL and ANALYZER_TOKEN.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Command keyrecover manages encrypted notes protected by a local passcode
// and recovers their offline keys.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

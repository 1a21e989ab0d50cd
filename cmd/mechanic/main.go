// Command mechanic reviews the functions changed by a commit and posts a single
// improvement suggestion on its pull request.
//
// Usage:
//
//	mechanic serve [--config FILE] [--validate-llm]
//	mechanic review --owner O --repo R --sha S --installation N [--pr P] [--dry-run] [--artifacts DIR]
package main

// Set by ldflags.
var version = "dev"

func main() {
	Execute()
}

// Command rflow runs dataflow graphs.
package main

import (
	"context"
	"os"

	"github.com/drblury/rflow/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}

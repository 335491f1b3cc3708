// Command scenechange detects objects that appeared or disappeared between
// two visits to a scene and reports where the changes are in 3D.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/scenechange/internal/scene"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scenechange: %v\n", err)
		stop()
		if errors.Is(err, scene.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

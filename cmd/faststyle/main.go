// Command faststyle trains and applies fast style transfer networks.
//
// Usage:
//
//	faststyle train --content-dir data/coco --style-img style.jpg --name starry --test-img test/
//	faststyle stylize --name starry --input photo.jpg --output styled.png
//	faststyle export --name starry --output starry.gguf --f16
//	faststyle summary
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

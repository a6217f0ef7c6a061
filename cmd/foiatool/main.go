package main

import (
	"context"

	"foiatool/cmd/foiatool/commands"
	"foiatool/lib/serviceutil"
)

func main() {
	ctx, cancel := serviceutil.SignalContext(context.Background())
	defer cancel()
	commands.ExecuteContext(ctx)
}

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	nanotp "github.com/unixsysdev/nano-go-tp"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: nanotp.LogLevel})))

	cobra.CheckErr(NewCLI().ExecuteContext(context.Background()))
}

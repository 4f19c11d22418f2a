// Command attendctl drives attendance sessions for one leadership role from a terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/trezcool/kanisa/core"
	logsvc "github.com/trezcool/kanisa/services/logger"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ATTENDCTL : ", log.LstdFlags),
		conf,
	)
	logger.Enable(false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := commandLine{
		conf:   conf,
		logger: logger,
		out:    os.Stdout,
		in:     bufio.NewReader(os.Stdin),
	}
	if err := cli.run(ctx, os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

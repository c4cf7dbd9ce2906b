package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/jward/kiln/internal/buildproc"
	"github.com/jward/kiln/internal/compilers"
	kilnrt "github.com/jward/kiln/internal/runtime"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a long-lived build process",
	Long:  "Serves build requests over gRPC so drivers started with --remote reuse one warm process and its open caches.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "127.0.0.1:7077", "listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return outputError("serve", err)
	}
	defer e.Close()
	if e.client != nil {
		return outputError("serve", fmt.Errorf("--remote cannot be used with serve"))
	}

	rt := kilnrt.NewRuntime(e.ws.Root, kilnrt.WithLogger(e.log))
	comps, err := compilers.ForWorkspace(e.ws, rt, compilers.WithLogger(e.log))
	if err != nil {
		return outputError("serve", fmt.Errorf("creating compilers: %w", err))
	}
	proc := buildproc.NewLocal(e.ws, e.caches, comps, buildproc.WithLogger(e.log))

	lis, err := net.Listen("tcp", flagAddr)
	if err != nil {
		return outputError("serve", fmt.Errorf("listening on %s: %w", flagAddr, err))
	}
	srv := buildproc.NewServer(proc, e.log)

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if err := outputResult(CLIResult{Command: "serve", Results: CLIServe{Address: lis.Addr().String()}}); err != nil {
		return err
	}
	if err := srv.Serve(lis); err != nil {
		return outputError("serve", err)
	}
	return nil
}

package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/jobshell/internal/api"
	apihttp "github.com/Paintersrp/jobshell/internal/api/http"
	"github.com/Paintersrp/jobshell/internal/logutil"
)

var newAPIServer = apihttp.NewServer

// startMetricsServer serves /metrics, plus the job API when ctrl is set, on
// addr until the returned stop function runs. An empty addr serves nothing.
func startMetricsServer(runCtx stdcontext.Context, cmd *cobra.Command, addr string, ctrl api.Controller) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	cfg := apihttp.Config{Addr: addr}
	if ctrl != nil {
		cfg.Controller = ctrl
	}
	server, err := newAPIServer(cfg)
	if err != nil {
		return nil, err
	}

	serverCtx, cancel := stdcontext.WithCancel(runCtx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(200 * time.Millisecond)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("server exited")
		}
		return nil, fmt.Errorf("metrics listener: %w", err)
	case <-readyTimer.C:
	case <-runCtx.Done():
		cancel()
		<-errCh
		return nil, runCtx.Err()
	}

	logutil.Default().Info("metrics listening", "addr", server.Addr())
	fmt.Fprintf(cmd.ErrOrStderr(), "Metrics listening on %s\n", server.Addr())
	return func() {
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			logutil.Default().Warn("metrics listener stopped", "err", err)
		}
	}, nil
}

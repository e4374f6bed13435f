package chanapp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/spaceexpanse/libspex/internal/xjrpc"
)

// LogFileName is where the daemon writes its own log inside the data
// directory.
const LogFileName = "channeld.log"

// Options configures one daemon run; the fields map one to one onto
// the channeld flags.
type Options struct {
	NodeURL      string
	BroadcastURL string
	Port         int
	DataDir      string

	PlayerName string
	Channel    string
	GameID     string

	RPCWait bool
}

// Run is the daemon entrypoint: it wires the participant daemon and
// the RPC server, and blocks until a stop request or ctx cancellation.
func Run(ctx context.Context, opts Options) error {
	logFile, err := os.OpenFile(filepath.Join(opts.DataDir, LogFileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	log := slog.New(slog.NewTextHandler(logFile, nil))

	daemon := NewDaemon(DaemonConfig{
		Log:          log.With("player", opts.PlayerName),
		PlayerName:   opts.PlayerName,
		Channel:      opts.Channel,
		GameID:       opts.GameID,
		NodeURL:      opts.NodeURL,
		BroadcastURL: opts.BroadcastURL,
		RPCWait:      opts.RPCWait,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := mux.NewRouter()
	r.HandleFunc("/", xjrpc.Handler(
		func(method string, p xjrpc.Params) (any, *xjrpc.Error) {
			return dispatch(ctx, daemon, method, p)
		},
		func(method string) {
			if method == "stop" {
				cancel()
			}
		},
	)).Methods("POST")

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", opts.Port))
	if err != nil {
		log.Error("Failed to listen", "port", opts.Port, "err", err)
		return fmt.Errorf("failed to listen: %w", err)
	}
	hs := &http.Server{Handler: r}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- hs.Serve(ln)
	}()

	daemonErr := make(chan error, 1)
	go func() {
		daemonErr <- daemon.Run(ctx)
	}()

	log.Info("Daemon up", "port", opts.Port, "channel", opts.Channel)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-daemonErr:
		cancel()
	case err := <-httpErr:
		runErr = fmt.Errorf("rpc server failed: %w", err)
		cancel()
	}

	hs.Close()
	if runErr != nil {
		log.Error("Daemon failed", "err", runErr)
	} else {
		log.Info("Daemon stopped")
	}
	return runErr
}

const waitForChangeTimeout = 5 * time.Second

func dispatch(ctx context.Context, d *Daemon, method string, p xjrpc.Params) (any, *xjrpc.Error) {
	switch method {
	case "getcurrentstate":
		return d.CurrentState(), nil

	case "createchannel":
		var participants []Participant
		if rerr := p.Obj(0, &participants); rerr != nil {
			return nil, rerr
		}
		return wrapTx(d.CreateChannel(ctx, participants))

	case "advanceturn":
		st, err := d.AdvanceTurn(ctx)
		if err != nil {
			return nil, xjrpc.Errorf(xjrpc.CodeInternal, "%v", err)
		}
		return st, nil

	case "filedispute":
		return wrapTx(d.FileDispute(ctx))

	case "closechannel":
		return wrapTx(d.CloseChannel(ctx))

	case "waitforchange":
		known := d.CurrentState().BlockHash
		if p.Has(0) {
			k, rerr := p.Str(0)
			if rerr != nil {
				return nil, rerr
			}
			known = k
		}
		waitCtx, cancel := context.WithTimeout(ctx, waitForChangeTimeout)
		defer cancel()
		return d.WaitForChange(waitCtx, known), nil

	case "stop":
		return "channel daemon stopping", nil
	}

	return nil, xjrpc.Errorf(xjrpc.CodeMethodNotFound, "unknown method %q", method)
}

func wrapTx(txid string, err error) (any, *xjrpc.Error) {
	if err != nil {
		return nil, xjrpc.Errorf(xjrpc.CodeInternal, "%v", err)
	}
	return txid, nil
}

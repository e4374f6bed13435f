package mover

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
	"github.com/spaceexpanse/libspex/xgame"
)

// LogFileName is where the daemon writes its own log inside the data
// directory. Diagnostics tests read it back after the daemon stops.
const LogFileName = "mover.log"

// Options configures one daemon run; the fields map one to one onto
// the moverd flags.
type Options struct {
	NodeURL string
	Port    int
	DataDir string

	GameID string

	// StorageType is "memory" or "sqlite".
	StorageType string

	// DBPath is the sqlite file. Empty means a file inside DataDir,
	// which does not survive restarts; pass a stable path to test
	// persistence.
	DBPath string

	// PruningDepth < 0 keeps all undo data.
	PruningDepth int

	NoPendingMoves bool
	RPCWait        bool
}

// Run is the daemon entrypoint: it wires storage, engine, and the RPC
// server, and blocks until a stop request or ctx cancellation.
func Run(ctx context.Context, opts Options) error {
	logFile, err := os.OpenFile(filepath.Join(opts.DataDir, LogFileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	log := slog.New(slog.NewTextHandler(logFile, nil))

	if opts.GameID == "" {
		opts.GameID = GameID
	}

	storage, err := openStorage(opts)
	if err != nil {
		log.Error("Failed to open storage", "err", err)
		return err
	}
	defer storage.Close()

	engine := xgame.NewEngine(xgame.Config{
		Log:          log.With("sys", "engine"),
		GameID:       opts.GameID,
		Logic:        NewLogic(),
		NodeURL:      opts.NodeURL,
		RPCWait:      opts.RPCWait,
		Storage:      storage,
		PruningDepth: opts.PruningDepth,
		TrackPending: !opts.NoPendingMoves,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := mux.NewRouter()
	r.HandleFunc("/", xjrpc.Handler(
		func(method string, p xjrpc.Params) (any, *xjrpc.Error) {
			return dispatch(ctx, engine, method, p)
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

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Run(ctx)
	}()

	log.Info("Daemon up", "port", opts.Port, "storage", opts.StorageType)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-engineErr:
		// The engine only returns early on hard failure.
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

func openStorage(opts Options) (xgame.Storage, error) {
	switch opts.StorageType {
	case "", "memory":
		return xgame.NewMemoryStorage(), nil
	case "sqlite":
		path := opts.DBPath
		if path == "" {
			path = filepath.Join(opts.DataDir, "mover.db")
		}
		return xgame.NewSQLiteStorage(path)
	}
	return nil, fmt.Errorf("unknown storage type %q", opts.StorageType)
}

// waitForChangeTimeout bounds the long poll so a stalled chain does
// not hang the caller forever.
const waitForChangeTimeout = 5 * time.Second

func dispatch(ctx context.Context, engine *xgame.Engine, method string, p xjrpc.Params) (any, *xjrpc.Error) {
	switch method {
	case "getcurrentstate":
		return engine.CurrentState(), nil

	case "getpendingstate":
		moves, enabled := engine.PendingState()
		if !enabled {
			return nil, xjrpc.Errorf(xjrpc.CodeInternal, "pending moves are not tracked")
		}
		return map[string]any{"pending": moves}, nil

	case "waitforchange":
		known := engine.CurrentState().BlockHash
		if p.Has(0) {
			k, rerr := p.Str(0)
			if rerr != nil {
				return nil, rerr
			}
			known = k
		}
		waitCtx, cancel := context.WithTimeout(ctx, waitForChangeTimeout)
		defer cancel()
		return engine.WaitForChange(waitCtx, known), nil

	case "stop":
		return "mover stopping", nil
	}

	return nil, xjrpc.Errorf(xjrpc.CodeMethodNotFound, "unknown method %q", method)
}

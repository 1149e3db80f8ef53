// Package cluster runs one relay worker per listener, all sharing the same
// message store and broadcast bus. A client publishes to whichever worker it
// is connected to; the bus makes the insert visible to every worker's clients.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	errMissingHandlerFunc = errors.New("handler builder is required")
	errInvalidWorkerCount = errors.New("worker count must be positive")
)

// Config describes the worker topology.
type Config struct {
	// BaseAddress is the first worker's listen address. Subsequent workers
	// take consecutive ports; a zero port gives every worker an ephemeral one.
	BaseAddress string
	Workers     int
	// Handler builds the HTTP handler for one worker.
	Handler func(workerIndex int) (http.Handler, error)
	Logger  *zap.Logger
}

// Supervisor owns the worker listeners and their HTTP servers.
type Supervisor struct {
	logger    *zap.Logger
	servers   []*http.Server
	listeners []net.Listener
	addresses []string
}

// Start binds every worker's listener and prepares its server. Binding is
// synchronous, so Addresses is valid as soon as Start returns; nothing is
// served until Serve is called.
func Start(cfg Config) (*Supervisor, error) {
	if cfg.Handler == nil {
		return nil, errMissingHandlerFunc
	}
	if cfg.Workers <= 0 {
		return nil, errInvalidWorkerCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	supervisor := &Supervisor{logger: logger}
	for workerIndex := 0; workerIndex < cfg.Workers; workerIndex++ {
		address, err := workerAddress(cfg.BaseAddress, workerIndex)
		if err != nil {
			supervisor.closeListeners()
			return nil, err
		}
		listener, err := net.Listen("tcp", address)
		if err != nil {
			supervisor.closeListeners()
			return nil, fmt.Errorf("worker %d listen on %s: %w", workerIndex, address, err)
		}
		handler, err := cfg.Handler(workerIndex)
		if err != nil {
			listener.Close() //nolint:errcheck
			supervisor.closeListeners()
			return nil, fmt.Errorf("worker %d handler: %w", workerIndex, err)
		}

		supervisor.listeners = append(supervisor.listeners, listener)
		supervisor.servers = append(supervisor.servers, &http.Server{Handler: handler})
		supervisor.addresses = append(supervisor.addresses, listener.Addr().String())
	}
	return supervisor, nil
}

// Addresses returns each worker's bound listen address.
func (s *Supervisor) Addresses() []string {
	addresses := make([]string, len(s.addresses))
	copy(addresses, s.addresses)
	return addresses
}

// Serve runs all workers until ctx is done or one worker fails, then shuts
// every worker down gracefully.
func (s *Supervisor) Serve(ctx context.Context) error {
	errCh := make(chan error, len(s.servers))
	for workerIndex, server := range s.servers {
		s.logger.Info("worker listening",
			zap.Int("worker", workerIndex),
			zap.String("address", s.addresses[workerIndex]))
		go func(server *http.Server, listener net.Listener) {
			err := server.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(server, s.listeners[workerIndex])
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range s.servers {
		if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Supervisor) closeListeners() {
	for _, listener := range s.listeners {
		listener.Close() //nolint:errcheck
	}
}

func workerAddress(base string, workerIndex int) (string, error) {
	host, portValue, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("invalid base address %q: %w", base, err)
	}
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return "", fmt.Errorf("invalid base port %q: %w", portValue, err)
	}
	if port == 0 {
		return base, nil
	}
	return net.JoinHostPort(host, strconv.Itoa(port+workerIndex)), nil
}

package stakingservice

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/babylonlabs-io/simple-staking-sub003/staking"
	"github.com/cometbft/cometbft/libs/log"
	rpc "github.com/cometbft/cometbft/rpc/jsonrpc/server"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOffset = 0
	defaultLimit  = 50
	maxLimit      = 100
)

// PageParams is an offset based page of local records.
type PageParams struct {
	Offset uint64
	Limit  uint64
}

// getPageParams applies defaults to optional paging arguments and caps the
// limit at maxLimit.
func getPageParams(offset, limit *int) (*PageParams, error) {
	p := &PageParams{Offset: defaultOffset, Limit: defaultLimit}
	if offset != nil {
		if *offset < 0 {
			return nil, staking.NewValidationError("offset cannot be negative", nil)
		}
		p.Offset = uint64(*offset)
	}
	if limit != nil {
		if *limit < 0 {
			return nil, staking.NewValidationError("limit cannot be negative", nil)
		}
		p.Limit = min(uint64(*limit), maxLimit)
	}
	return p, nil
}

// BasicAuthMiddleware rejects requests without the expected credentials. The
// user name is matched case insensitively.
func BasicAuthMiddleware(user, password string) func(http.Handler) http.Handler {
	wantUser := sha256.Sum256([]byte(strings.ToLower(user)))
	wantPwd := sha256.Sum256([]byte(password))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			gotUser := sha256.Sum256([]byte(strings.ToLower(u)))
			gotPwd := sha256.Sum256([]byte(p))

			userOK := subtle.ConstantTimeCompare(gotUser[:], wantUser[:]) == 1
			pwdOK := subtle.ConstantTimeCompare(gotPwd[:], wantPwd[:]) == 1
			if !ok || !userOK || !pwdOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="stakingd"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RunUntilShutdown starts the app, serves json-rpc on every configured
// listener and blocks until ctx is done. The app is stopped and the database
// closed before it returns.
func (s *StakingService) RunUntilShutdown(ctx context.Context, user, password string) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("staking service already running")
	}

	defer func() {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.WithError(cerr).Error("Failed to close database")
		}
		s.logger.Info("Shutdown complete")
	}()

	if err := s.app.Start(); err != nil { //nolint:contextcheck
		s.logger.WithError(err).Error("Failed to start staking app")
		return fmt.Errorf("starting staking app: %w", err)
	}
	defer func() {
		if serr := s.app.Stop(); serr != nil {
			s.logger.WithError(serr).Warn("Staking app stopped with error")
		}
	}()

	listeners := make([]net.Listener, 0, len(s.config.RPCListeners))
	defer func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}()
	for _, addr := range s.config.RPCListeners {
		l, err := rpc.Listen(addr.Network()+"://"+addr.String(), s.config.JSONRPCServerConfig.MaxOpenConnections)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}

	rpcLogger := log.NewTMLogger(s.logger.Writer())
	mux := http.NewServeMux()
	rpc.RegisterRPCFuncs(mux, s.GetRoutes(), rpcLogger)
	handler := BasicAuthMiddleware(user, password)(mux)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			s.logger.WithField("address", l.Addr()).Info("Serving json-rpc")
			err := rpc.Serve(l, handler, rpcLogger, s.config.JSONRPCServerConfig.Config())
			if err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("json-rpc server on %s: %w", l.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Stopping staking service")
		for _, l := range listeners {
			_ = l.Close()
		}
		return nil
	})

	return g.Wait()
}

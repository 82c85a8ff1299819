package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// The time given to open connections to finish when servers shut down.
const shutdownTimeout = 5 * time.Second

// ListenAndServe runs the servers until ctx is done or one of them fails,
// then shuts them all down. It returns the first server failure.
func ListenAndServe(ctx context.Context, servers ...*http.Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	var failure error

	var wg sync.WaitGroup
	wg.Add(len(servers))

	for _, s := range servers {
		go func() {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")
			err := s.ListenAndServe()
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				logs.WithTag("addr", s.Addr).Info("server stopped")
				return
			}

			once.Do(func() {
				failure = errors.New("server failed").
					WithTag("addr", s.Addr).
					Wrap(err)
			})
			cancel()
		}()
	}

	<-ctx.Done()
	shutdown(servers)
	wg.Wait()
	return failure
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			logs.WithTag("addr", s.Addr).
				Warn(errors.New("shutting down server failed").Wrap(err))
		}
	}
}

// MetricsPathFormatter keeps paths that do not exist out of the request
// metrics labels.
func MetricsPathFormatter(statusCode int, path string) string {
	switch statusCode {
	case http.StatusMovedPermanently,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed:
		return ""

	default:
		return path
	}
}

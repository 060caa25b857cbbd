package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// maxReplySize bounds a directory reply body.
const maxReplySize = 8 * 1024 * 1024

// Requester talks to the shared-directory service. Calls are blocking and
// meant to run off the event loop; a circuit breaker keeps a dead
// directory from being hammered on every refresh tick.
type Requester struct {
	log     *zap.Logger
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRequester creates a directory client for baseURL
// (e.g. "http://directory.example.com:8080").
func NewRequester(log *zap.Logger, baseURL string) *Requester {
	if log == nil {
		log = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared-directory",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("shared-directory breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Requester{
		log:     log,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: breaker,
	}
}

func (r *Requester) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	body, err := r.breaker.Execute(func() (interface{}, error) {
		u := r.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("directory answered %s", resp.Status)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// GetPools fetches the pool listing. A listing without the pools field is
// treated as empty.
func (r *Requester) GetPools(ctx context.Context) ([]PoolParams, error) {
	data, err := r.do(ctx, http.MethodGet, "/pools", nil)
	if err != nil {
		return nil, err
	}

	pools, err := ParsePoolsReply(data)
	if errors.Is(err, ErrMissingField) {
		r.log.Error("pools listing has no pools field")
		return nil, nil
	}
	return pools, err
}

// GetServers fetches the shared-servers listing. A listing without the
// servers field is treated as empty.
func (r *Requester) GetServers(ctx context.Context) ([]ServerParams, error) {
	data, err := r.do(ctx, http.MethodGet, "/servers", nil)
	if err != nil {
		return nil, err
	}

	servers, err := ParseServersReply(data)
	if errors.Is(err, ErrMissingField) {
		r.log.Error("servers listing has no shared servers field")
		return nil, nil
	}
	return servers, err
}

// RegisterServer advertises this server into poolID and returns the
// directory-assigned server id.
func (r *Requester) RegisterServer(ctx context.Context, poolID PoolID, name string, port uint16) (ServerID, error) {
	query := url.Values{
		"poolKey": {strconv.FormatUint(poolID, 10)},
		"name":    {name},
		"port":    {strconv.FormatUint(uint64(port), 10)},
	}

	data, err := r.do(ctx, http.MethodPost, "/add", query)
	if err != nil {
		return NullServerID, err
	}
	return ParseAddReply(data)
}

// UnregisterServer removes this server from the directory.
func (r *Requester) UnregisterServer(ctx context.Context, serverID ServerID) error {
	query := url.Values{"key": {strconv.FormatUint(serverID, 10)}}
	_, err := r.do(ctx, http.MethodPost, "/remove", query)
	return err
}

// Package shared implements the client side of the shared-directory
// service: a JSON HTTP registry of pools and the cache servers advertised
// into them.
package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// IDs are u64 keys assigned by the directory; they travel as decimal
// strings in JSON.
type (
	PoolID   = uint64
	ServerID = uint64
)

// NullServerID and NullPoolID mean "not assigned".
const (
	NullServerID ServerID = 0
	NullPoolID   PoolID   = 0
)

// ErrMissingField is returned when a reply parses as JSON but lacks the
// expected top-level list; callers treat the list as empty and log.
var ErrMissingField = errors.New("expected field is missing")

// PoolParams describes one pool in the directory.
type PoolParams struct {
	PoolID      PoolID
	Name        string
	Description string
}

// ServerParams describes one advertised server.
type ServerParams struct {
	ServerID ServerID
	PoolID   PoolID
	Name     string
	IP       string
	Port     uint16
}

func parseID(raw string, field string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q in field %q: %w", raw, field, err)
	}
	return id, nil
}

// ParsePoolsReply decodes the pools listing. Unknown keys are ignored; a
// reply without the "pools" list yields an empty list and ErrMissingField.
func ParsePoolsReply(data []byte) ([]PoolParams, error) {
	var reply struct {
		Pools *[]struct {
			Key         string `json:"key"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"pools"`
	}

	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("not a valid pools document: %w", err)
	}
	if reply.Pools == nil {
		return nil, fmt.Errorf("%w: pools", ErrMissingField)
	}

	pools := make([]PoolParams, 0, len(*reply.Pools))
	for _, p := range *reply.Pools {
		id, err := parseID(p.Key, "key")
		if err != nil {
			return nil, err
		}
		pools = append(pools, PoolParams{PoolID: id, Name: p.Name, Description: p.Description})
	}
	return pools, nil
}

// ParseServersReply decodes the shared-servers listing.
func ParseServersReply(data []byte) ([]ServerParams, error) {
	var reply struct {
		Servers *[]struct {
			Key     string `json:"key"`
			PoolKey string `json:"poolKey"`
			Name    string `json:"name"`
			IP      string `json:"ip"`
			Port    int    `json:"port"`
		} `json:"shared servers"`
	}

	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("not a valid servers document: %w", err)
	}
	if reply.Servers == nil {
		return nil, fmt.Errorf("%w: shared servers", ErrMissingField)
	}

	servers := make([]ServerParams, 0, len(*reply.Servers))
	for _, s := range *reply.Servers {
		serverID, err := parseID(s.Key, "key")
		if err != nil {
			return nil, err
		}
		poolID, err := parseID(s.PoolKey, "poolKey")
		if err != nil {
			return nil, err
		}
		if s.Port < 0 || s.Port > 65535 {
			return nil, fmt.Errorf("port %d is out of range", s.Port)
		}
		servers = append(servers, ServerParams{
			ServerID: serverID,
			PoolID:   poolID,
			Name:     s.Name,
			IP:       s.IP,
			Port:     uint16(s.Port),
		})
	}
	return servers, nil
}

// ParseAddReply decodes the server id assigned by a registration.
func ParseAddReply(data []byte) (ServerID, error) {
	var reply struct {
		Key string `json:"key"`
	}

	if err := json.Unmarshal(data, &reply); err != nil {
		return NullServerID, fmt.Errorf("not a valid registration document: %w", err)
	}
	if reply.Key == "" {
		return NullServerID, fmt.Errorf("%w: key", ErrMissingField)
	}
	return parseID(reply.Key, "key")
}

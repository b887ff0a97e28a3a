// Package redis publishes committed map changes on Redis channels so that other processes
// (caches, search indexers, audit trails) can follow what a process's maps commit.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/txmap"
)

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options txmap.RedisOptions
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated returns true if the shared connection is open.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection creates the shared connection on first call and returns it for every call.
func OpenConnection(options txmap.RedisOptions) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	c, err := NewConnection(options)
	if err != nil {
		return nil, err
	}
	connection = c
	return connection, nil
}

// CloseConnection closes the shared connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Close()
	connection = nil
	return err
}

// NewConnection opens a connection owned by the caller, separate from the shared one.
func NewConnection(options txmap.RedisOptions) (*Connection, error) {
	ro, err := clientOptions(options)
	if err != nil {
		return nil, err
	}
	return &Connection{
		Client:  redis.NewClient(ro),
		Options: options,
	}, nil
}

// clientOptions converts options, URL taking precedence over Address, Password and DB.
func clientOptions(options txmap.RedisOptions) (*redis.Options, error) {
	if options.URL != "" {
		ro, err := redis.ParseURL(options.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL, details: %w", err)
		}
		return ro, nil
	}
	if options.Address == "" {
		return nil, fmt.Errorf("redis address or URL is required")
	}
	return &redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	}, nil
}

// Ping tests connectivity for redis.
func (c *Connection) Ping(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return fmt.Errorf("redis connection is not open")
	}
	return c.Client.Ping(ctx).Err()
}

// Close closes the connection's client.
func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}

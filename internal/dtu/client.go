package dtu

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
)

// Client wraps a Modbus TCP connection to a DTU. All register access is
// serialized; the DTU firmware does not tolerate concurrent requests.
type Client struct {
	client  *modbus.ModbusClient
	mu      sync.Mutex
	host    string
	port    int
	unitID  uint8
	timeout time.Duration
}

func NewClient(host string, port int, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		host:    host,
		port:    port,
		unitID:  unitID,
		timeout: timeout,
	}
}

func (c *Client) connectLocked() error {
	if c.client != nil {
		return nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", c.host, c.port),
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}

	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to connect to DTU at %s: %w", c.Addr(), err)
	}

	client.SetUnitId(c.unitID)
	c.client = client

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	return err
}

// Reconnect drops any existing connection and dials fresh.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return c.connectLocked()
}

// ReadHoldingRegisters reads a block of holding registers, connecting on
// demand if the client was closed by a previous error.
func (c *Client) ReadHoldingRegisters(address uint16, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	regs, err := c.client.ReadRegisters(address, quantity, modbus.HOLDING_REGISTER)
	if err != nil {
		// Drop the connection so the next call re-dials.
		c.client.Close()
		c.client = nil
		return nil, fmt.Errorf("failed to read holding registers at 0x%04x: %w", address, err)
	}

	return regs, nil
}

func (c *Client) Addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}
